// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/GermanBionicSystems/onewire/owbus/owbustest"
)

var testROM = owbustest.ROMFor(byte(DS18B20), [6]byte{0xac, 0x41, 0x0e, 0x07, 0x00, 0x00})

func newBus(t *testing.T, sim *owbustest.Sim) *owbus.Dev {
	t.Helper()
	bus, err := owbus.New(sim, &owbus.Opts{Delay: sim.Delay})
	if err != nil {
		t.Fatal(err)
	}
	return bus
}

// recordSleep replaces the package sleep seam and returns the recorded
// durations.
func recordSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var got []time.Duration
	old := sleep
	sleep = func(d time.Duration) { got = append(got, d) }
	t.Cleanup(func() { sleep = old })
	return &got
}

func TestSplitTemp(t *testing.T) {
	data := []struct {
		raw      int16
		integer  int32
		fraction int32
	}{
		{0x07d0, 125, 0},
		{0x0191, 25, 625},
		{0x0008, 0, 5000},
		{0x0000, 0, 0},
		{-8, 0, -5000}, // 0xfff8
		{-880, -55, 0}, // 0xfc90
	}
	for _, line := range data {
		integer, fraction := SplitTemp(line.raw)
		if integer != line.integer || fraction != line.fraction {
			t.Errorf("SplitTemp(%#04x) = (%d, %d), want (%d, %d)",
				uint16(line.raw), integer, fraction, line.integer, line.fraction)
		}
	}
}

func TestSplitTemp_exact(t *testing.T) {
	// The split loses nothing: integer°C plus fraction/10000 recombine to
	// raw/16 for every representable reading.
	for raw := -880; raw <= 2000; raw++ {
		integer, fraction := SplitTemp(int16(raw))
		if got := int64(integer)*10000 + int64(fraction); got != int64(raw)*625 {
			t.Fatalf("SplitTemp(%d) = (%d, %d): recombines to %d, want %d",
				raw, integer, fraction, got, int64(raw)*625)
		}
		if (integer < 0 || fraction < 0) && raw >= 0 {
			t.Fatalf("SplitTemp(%d) = (%d, %d): negative part for a positive reading", raw, integer, fraction)
		}
	}
}

func TestNew_familyMismatch(t *testing.T) {
	rom := owbustest.ROMFor(byte(DS18S20), [6]byte{1})
	sim := owbustest.New(owbustest.NewDS18B20(rom, 0x0191))
	bus := newBus(t, sim)
	_, err := New(bus, rom, Bits12)
	var fme *FamilyMismatchError
	if !errors.As(err, &fme) {
		t.Fatalf("got %v, want *FamilyMismatchError", err)
	}
	if fme.Expected != DS18B20 || fme.Actual != DS18S20 {
		t.Errorf("got %s/%s, want DS18B20/DS18S20", fme.Expected, fme.Actual)
	}
}

func TestNew_invalidResolution(t *testing.T) {
	sim := owbustest.New(owbustest.NewDS18B20(testROM, 0x0191))
	bus := newBus(t, sim)
	if _, err := New(bus, testROM, 8); err == nil {
		t.Error("New accepted an 8-bit resolution")
	}
	if _, err := New(bus, testROM, 13); err == nil {
		t.Error("New accepted a 13-bit resolution")
	}
}

func TestNew_keepsResolution(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, 0x0191)
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	slept := recordSleep(t)

	// The sensor powers up at 12 bits; asking for 12 bits must not touch
	// the configuration register.
	if _, err := New(bus, testROM, Bits12); err != nil {
		t.Fatal(err)
	}
	if sl.Scratchpad[4] != 0x7f {
		t.Errorf("configuration register = %#02x, want %#02x", sl.Scratchpad[4], 0x7f)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v reprogramming a resolution that was already set", *slept)
	}
}

func TestNew_setsResolution(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, 0x0191)
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	slept := recordSleep(t)

	if _, err := New(bus, testROM, Bits9); err != nil {
		t.Fatal(err)
	}
	if sl.Scratchpad[4] != 0x1f {
		t.Errorf("configuration register = %#02x, want %#02x", sl.Scratchpad[4], 0x1f)
	}
	// EEPROM write time.
	if len(*slept) != 1 || (*slept)[0] != 10*time.Millisecond {
		t.Errorf("slept %v, want [10ms]", *slept)
	}
}

func TestStartMeasurement(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, 0x0191)
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	recordSleep(t)

	d, err := New(bus, testROM, Bits10)
	if err != nil {
		t.Fatal(err)
	}
	wait, err := d.StartMeasurement()
	if err != nil {
		t.Fatal(err)
	}
	if wait != 188*time.Millisecond {
		t.Errorf("wait = %s, want 188ms", wait)
	}
	if sl.Converts != 1 {
		t.Errorf("conversions = %d, want 1", sl.Converts)
	}
	if !sim.Powered() {
		t.Error("line not strongly pulled up during the conversion")
	}
}

func TestSense(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, 0x01e0) // 30°C
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	slept := recordSleep(t)

	d, err := New(bus, testROM, Bits12)
	if err != nil {
		t.Fatal(err)
	}
	var e physic.Env
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if want := physic.ZeroCelsius + 30*physic.Celsius; e.Temperature != want {
		t.Errorf("Temperature = %s, want %s", e.Temperature, want)
	}
	if len(*slept) != 1 || (*slept)[0] != 750*time.Millisecond {
		t.Errorf("slept %v, want [750ms]", *slept)
	}
}

func TestSense_negative(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, -880) // -55°C
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	recordSleep(t)

	d, err := New(bus, testROM, Bits12)
	if err != nil {
		t.Fatal(err)
	}
	var e physic.Env
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if want := physic.ZeroCelsius - 55*physic.Celsius; e.Temperature != want {
		t.Errorf("Temperature = %s, want %s", e.Temperature, want)
	}
}

func TestSense_noConversion(t *testing.T) {
	// 85°C is the power-up value, reported when no conversion ever ran.
	sl := owbustest.NewDS18B20(testROM, 85*16)
	sim := owbustest.New(sl)
	bus := newBus(t, sim)
	recordSleep(t)

	d, err := New(bus, testROM, Bits12)
	if err != nil {
		t.Fatal(err)
	}
	var e physic.Env
	err = d.Sense(&e)
	if err == nil {
		t.Fatal("Sense accepted the power-up reading")
	}
	var be busError
	if !errors.As(err, &be) {
		t.Errorf("got %T, want busError", err)
	}
}

func TestReadRaw_crc(t *testing.T) {
	sl := owbustest.NewDS18B20(testROM, 0x0191)
	sim := owbustest.New(sl)
	bus := newBus(t, sim)

	d, err := New(bus, testROM, Bits12)
	if err != nil {
		t.Fatal(err)
	}
	sl.CorruptScratchpad(1)
	_, err = d.ReadRaw()
	var ce *owbus.CRCError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *owbus.CRCError", err)
	}
}

func TestConvertAll(t *testing.T) {
	slA := owbustest.NewDS18B20(testROM, 0x0191)
	slB := owbustest.NewDS18B20(owbustest.ROMFor(byte(DS18B20), [6]byte{2}), 0x07d0)
	sim := owbustest.New(slA, slB)
	bus := newBus(t, sim)
	slept := recordSleep(t)

	if err := ConvertAll(bus, Bits11); err != nil {
		t.Fatal(err)
	}
	if slA.Converts != 1 || slB.Converts != 1 {
		t.Errorf("conversions = %d/%d, want 1/1", slA.Converts, slB.Converts)
	}
	if len(*slept) != 1 || (*slept)[0] != 375*time.Millisecond {
		t.Errorf("slept %v, want [375ms]", *slept)
	}
	if err := ConvertAll(bus, 42); err == nil {
		t.Error("ConvertAll accepted an invalid resolution")
	}
}

func TestResolution(t *testing.T) {
	if got := Bits9.String(); got != "9-bit" {
		t.Errorf("String() = %q", got)
	}
	if got := Bits12.ConversionTime(); got != 750*time.Millisecond {
		t.Errorf("ConversionTime() = %s", got)
	}
}

func TestDevString(t *testing.T) {
	sim := owbustest.New(owbustest.NewDS18B20(testROM, 0x0191))
	bus := newBus(t, sim)
	d, err := New(bus, testROM, Bits12)
	if err != nil {
		t.Fatal(err)
	}
	want := "DS18B20{" + testROM.String() + "}"
	if got := d.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
