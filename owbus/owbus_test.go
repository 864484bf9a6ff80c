// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus_test

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/GermanBionicSystems/onewire/owbus/owbustest"
)

func newBus(t *testing.T, sim *owbustest.Sim, opts *owbus.Opts) *owbus.Dev {
	t.Helper()
	if opts == nil {
		opts = &owbus.Opts{}
	}
	opts.Delay = sim.Delay
	bus, err := owbus.New(sim, opts)
	if err != nil {
		t.Fatal(err)
	}
	return bus
}

func TestReset_noDevices(t *testing.T) {
	sim := owbustest.New()
	bus := newBus(t, sim, nil)
	present, err := bus.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("presence pulse on an empty bus")
	}
}

func TestReset_presence(t *testing.T) {
	sim := owbustest.New(owbustest.NewSlave(owbustest.ROMFor(0x28, [6]byte{1})))
	bus := newBus(t, sim, nil)
	present, err := bus.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("no presence pulse")
	}
}

func TestReset_stuckLow(t *testing.T) {
	sim := owbustest.New()
	sim.StuckLow = true
	bus := newBus(t, sim, nil)
	_, err := bus.Reset()
	var wnh *owbus.WireNotHighError
	if !errors.As(err, &wnh) {
		t.Fatalf("got %v, want *WireNotHighError", err)
	}
	// The error carries the periph.io shorted-bus markers.
	var sbe onewire.ShortedBusError
	var sbbe onewire.BusError
	if !errors.As(err, &sbe) || !sbe.IsShorted() || !errors.As(err, &sbbe) || !sbbe.BusError() {
		t.Errorf("%T does not implement onewire.ShortedBusError", err)
	}
}

func TestReadROM(t *testing.T) {
	rom := owbustest.ROMFor(0x28, [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})
	sim := owbustest.New(owbustest.NewSlave(rom))
	bus := newBus(t, sim, nil)
	dev, err := bus.ReadROM()
	if err != nil {
		t.Fatal(err)
	}
	if dev != rom {
		t.Errorf("ReadROM() = %v, want %v", dev, rom)
	}
}

func TestTx_noDevice(t *testing.T) {
	sim := owbustest.New()
	bus := newBus(t, sim, nil)
	err := bus.Tx([]byte{0xcc, 0x44}, nil, onewire.WeakPullup)
	if err == nil {
		t.Fatal("Tx succeeded on an empty bus")
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Errorf("%T is not a bus error", err)
	}
}

// Tx exercises both transport directions: Skip ROM + Read Scratchpad is
// written LSB first and the 9 scratchpad bytes come back LSB first.
func TestTx_scratchpad(t *testing.T) {
	rom := owbustest.ROMFor(0x28, [6]byte{1})
	sl := owbustest.NewDS18B20(rom, 0x01e0)
	sim := owbustest.New(sl)
	bus := newBus(t, sim, nil)

	var spad [9]byte
	if err := bus.Tx([]byte{0xcc, 0xbe}, spad[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if spad != sl.Scratchpad {
		t.Errorf("read %#v, want %#v", spad, sl.Scratchpad)
	}
	if err := owbus.VerifyCRC(rom, spad[:8], spad[8]); err != nil {
		t.Fatal(err)
	}
}

func TestTx_strongPullup(t *testing.T) {
	rom := owbustest.ROMFor(0x28, [6]byte{1})
	sl := owbustest.NewDS18B20(rom, 0x01e0)
	sim := owbustest.New(sl)
	bus := newBus(t, sim, nil)

	if err := bus.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup); err != nil {
		t.Fatal(err)
	}
	if !sim.Powered() {
		t.Error("line not strongly pulled up after a powered write")
	}
	if sl.Converts != 1 {
		t.Errorf("slave accepted %d conversions, want 1", sl.Converts)
	}
	// The next transaction must release the hold.
	if _, err := bus.Reset(); err != nil {
		t.Fatal(err)
	}
	if sim.Powered() {
		t.Error("line still strongly pulled up after a reset")
	}
}

func TestResetSelectRead(t *testing.T) {
	romA := owbustest.ROMFor(0x28, [6]byte{1})
	romB := owbustest.ROMFor(0x28, [6]byte{2})
	slA := owbustest.NewDS18B20(romA, 0x0191) // 25.0625°C
	slB := owbustest.NewDS18B20(romB, -880) // 0xfc90, -55°C
	sim := owbustest.New(slA, slB)
	bus := newBus(t, sim, nil)

	// Selection must only ever reach the addressed device.
	var spad [9]byte
	if err := bus.ResetSelectRead(romB, []byte{0xbe}, spad[:]); err != nil {
		t.Fatal(err)
	}
	if spad != slB.Scratchpad {
		t.Errorf("read %#v, want %#v", spad, slB.Scratchpad)
	}
	if err := bus.ResetSelectWrite(romA, []byte{0x44}); err != nil {
		t.Fatal(err)
	}
	if slA.Converts != 1 || slB.Converts != 0 {
		t.Errorf("conversions = %d/%d, want 1/0", slA.Converts, slB.Converts)
	}
}

// failPort fails every operation, standing in for a broken GPIO driver.
type failPort struct{}

var errBroken = errors.New("gpio: broken")

func (f failPort) DriveLow() error            { return errBroken }
func (f failPort) Float() error               { return errBroken }
func (f failPort) Level() (gpio.Level, error) { return gpio.Low, errBroken }

func TestPortError(t *testing.T) {
	_, err := owbus.New(failPort{}, nil)
	var pe *owbus.PortError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *PortError", err)
	}
	if !errors.Is(err, errBroken) {
		t.Error("PortError does not unwrap to the driver error")
	}
}
