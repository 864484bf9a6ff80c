// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbustest simulates an open-drain 1-Wire line with protocol
// accurate virtual devices, to test bus masters without hardware.
//
// Sim implements owbus.Port over a virtual clock: wire its Delay method as
// the master's delay provider and time advances instantly instead of
// sleeping. Slaves decode the master's slots from the measured low times
// exactly like silicon does, so the master's timing bugs show up as protocol
// failures rather than passing silently.
package owbustest

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/GermanBionicSystems/onewire/owbus"
)

// Sim is a virtual open-drain line. The line reads low whenever the master
// or any slave drives it, high otherwise.
type Sim struct {
	// StuckLow forces the line low regardless of drivers, simulating a
	// short to ground.
	StuckLow bool

	slaves    []*Slave
	now       time.Duration
	masterLow bool
	lowStart  time.Duration
	powered   bool
}

// New returns a line with the given slaves attached.
func New(slaves ...*Slave) *Sim {
	return &Sim{slaves: slaves}
}

// Attach adds slaves to the line, simulating devices plugged in while the
// master is running.
func (s *Sim) Attach(slaves ...*Slave) {
	s.slaves = append(s.slaves, slaves...)
}

// Delay advances the virtual clock. Pass it as owbus.Opts.Delay.
func (s *Sim) Delay(d time.Duration) { s.now += d }

// Now returns the virtual clock, for assertions on elapsed bus time.
func (s *Sim) Now() time.Duration { return s.now }

// Powered reports whether the master left the line strongly pulled high.
func (s *Sim) Powered() bool { return s.powered }

// DriveLow implements owbus.Port.
func (s *Sim) DriveLow() error {
	s.powered = false
	if !s.masterLow {
		s.masterLow = true
		s.lowStart = s.now
	}
	return nil
}

// Float implements owbus.Port. Releasing the line ends the current slot;
// that is when the slaves get to see it.
func (s *Sim) Float() error {
	s.powered = false
	s.endSlot()
	return nil
}

// DriveHigh implements owbus.HighDriver. From the slaves' point of view a
// strongly pulled line is simply high.
func (s *Sim) DriveHigh() error {
	s.endSlot()
	s.powered = true
	return nil
}

// Level implements owbus.Port.
func (s *Sim) Level() (gpio.Level, error) {
	if s.StuckLow || s.masterLow {
		return gpio.Low, nil
	}
	for _, sl := range s.slaves {
		if sl.driving(s.now) {
			return gpio.Low, nil
		}
	}
	return gpio.High, nil
}

func (s *Sim) endSlot() {
	if !s.masterLow {
		return
	}
	s.masterLow = false
	dur := s.now - s.lowStart
	for _, sl := range s.slaves {
		sl.slotEnd(s, dur)
	}
}

// ROMFor builds a valid ROM address from a family code and serial.
func ROMFor(family byte, serial [6]byte) owbus.Device {
	var d owbus.Device
	d[0] = family
	copy(d[1:7], serial[:])
	d[7] = owbus.CRC8(d[:7])
	return d
}

// Slave is one simulated device on the line. It answers resets with a
// presence pulse and implements the ROM commands (Search ROM, Alarm Search,
// Match ROM, Skip ROM, Read ROM) plus the DS18B20 function commands
// (Convert, Read/Write/Copy Scratchpad).
type Slave struct {
	ROM      owbus.Device
	Alarming bool

	// Scratchpad is returned by Read Scratchpad. Its trailing CRC byte is
	// maintained by the constructors and setters.
	Scratchpad [9]byte

	// Converts counts the Convert commands this slave accepted.
	Converts int

	state  slaveState
	shift  byte // bits received so far, LSB first
	nshift int
	romBit int // cursor into ROM during search and match
	phase  int // search slot phase: true bit, complement, direction
	txBuf  []byte
	txBit  int
	spadIn []byte

	driveFrom time.Duration
	driveTo   time.Duration
}

// NewSlave returns a bare slave that only speaks the ROM commands, enough
// to take part in searches.
func NewSlave(rom owbus.Device) *Slave {
	return &Slave{ROM: rom}
}

// NewDS18B20 returns a simulated temperature sensor whose scratchpad holds
// raw, a 16-bit two's-complement reading in 1/16 °C steps, and a 12-bit
// configuration register.
func NewDS18B20(rom owbus.Device, raw int16) *Slave {
	sl := &Slave{ROM: rom}
	sl.Scratchpad = [9]byte{byte(raw), byte(raw >> 8), 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}
	sl.refreshCRC()
	return sl
}

// SetTemperature replaces the reading in the scratchpad.
func (sl *Slave) SetTemperature(raw int16) {
	sl.Scratchpad[0] = byte(raw)
	sl.Scratchpad[1] = byte(raw >> 8)
	sl.refreshCRC()
}

// CorruptScratchpad flips a bit in the given scratchpad byte without fixing
// up the CRC, to exercise the master's validation.
func (sl *Slave) CorruptScratchpad(i int) {
	sl.Scratchpad[i] ^= 0x01
}

func (sl *Slave) refreshCRC() {
	sl.Scratchpad[8] = owbus.CRC8(sl.Scratchpad[:8])
}

type slaveState int

const (
	stateIdle       slaveState = iota // waits for the next reset
	stateROMCommand                   // receiving the ROM command byte
	stateSearch                       // search triplet flow
	stateMatch                        // receiving 64 address bits
	stateTx                           // transmitting txBuf
	stateFunction                     // receiving the function command byte
	stateWriteSpad                    // receiving TH, TL and config
)

const (
	tReset  = 480 * time.Microsecond
	tOneMax = 15 * time.Microsecond // shorter low pulses decode as a 1
	tDrive  = 30 * time.Microsecond // how long a slave holds a 0 out
)

func (sl *Slave) driving(now time.Duration) bool {
	return now >= sl.driveFrom && now < sl.driveTo
}

// slotEnd is called on the master's rising edge with the measured low time.
func (sl *Slave) slotEnd(s *Sim, dur time.Duration) {
	if dur >= tReset {
		// Reset pulse: answer with a presence pulse and wait for a ROM
		// command.
		sl.driveFrom = s.now + 20*time.Microsecond
		sl.driveTo = s.now + 120*time.Microsecond
		sl.state = stateROMCommand
		sl.shift, sl.nshift = 0, 0
		sl.romBit, sl.phase = 0, 0
		sl.txBuf, sl.txBit = nil, 0
		return
	}

	switch sl.state {
	case stateIdle:

	case stateSearch:
		switch sl.phase {
		case 0: // master reads the true bit
			sl.driveZero(s, !sl.romBitSet(sl.romBit))
			sl.phase = 1
		case 1: // master reads the complement
			sl.driveZero(s, sl.romBitSet(sl.romBit))
			sl.phase = 2
		case 2: // master writes the direction taken
			if (dur < tOneMax) != sl.romBitSet(sl.romBit) {
				sl.state = stateIdle // deselected until the next reset
				return
			}
			sl.romBit++
			sl.phase = 0
			if sl.romBit == 64 {
				sl.state = stateFunction
			}
		}

	case stateMatch:
		if (dur < tOneMax) != sl.romBitSet(sl.romBit) {
			sl.state = stateIdle
			return
		}
		sl.romBit++
		if sl.romBit == 64 {
			sl.state = stateFunction
		}

	case stateTx:
		i := sl.txBit
		if i >= len(sl.txBuf)*8 {
			return // past the end, further read slots see a floating line
		}
		sl.driveZero(s, sl.txBuf[i/8]&(1<<uint(i%8)) == 0)
		sl.txBit++

	case stateROMCommand, stateFunction, stateWriteSpad:
		sl.receiveBit(s, dur < tOneMax)
	}
}

// driveZero pulls the line low for the rest of the read slot when the bit
// being transmitted is a 0; a 1 is transmitted by leaving the line alone.
func (sl *Slave) driveZero(s *Sim, zero bool) {
	if zero {
		sl.driveFrom = s.lowStart
		sl.driveTo = s.lowStart + tDrive
	}
}

func (sl *Slave) receiveBit(s *Sim, bit bool) {
	if bit {
		sl.shift |= 1 << uint(sl.nshift)
	}
	sl.nshift++
	if sl.nshift < 8 {
		return
	}
	b := sl.shift
	sl.shift, sl.nshift = 0, 0

	switch sl.state {
	case stateROMCommand:
		sl.romCommand(b)
	case stateFunction:
		sl.function(b)
	case stateWriteSpad:
		sl.spadIn = append(sl.spadIn, b)
		if len(sl.spadIn) == 3 {
			copy(sl.Scratchpad[2:5], sl.spadIn)
			sl.refreshCRC()
			sl.spadIn = nil
			sl.state = stateIdle
		}
	}
}

func (sl *Slave) romCommand(b byte) {
	switch b {
	case 0xf0: // Search ROM
		sl.state = stateSearch
		sl.romBit, sl.phase = 0, 0
	case 0xec: // Alarm Search
		if !sl.Alarming {
			sl.state = stateIdle
			return
		}
		sl.state = stateSearch
		sl.romBit, sl.phase = 0, 0
	case 0x55: // Match ROM
		sl.state = stateMatch
		sl.romBit = 0
	case 0xcc: // Skip ROM
		sl.state = stateFunction
	case 0x33: // Read ROM
		sl.state = stateTx
		sl.txBuf = sl.ROM[:]
		sl.txBit = 0
	default:
		sl.state = stateIdle
	}
}

func (sl *Slave) function(b byte) {
	switch b {
	case 0x44: // Convert T
		sl.Converts++
		sl.state = stateIdle
	case 0xbe: // Read Scratchpad
		buf := make([]byte, len(sl.Scratchpad))
		copy(buf, sl.Scratchpad[:])
		sl.state = stateTx
		sl.txBuf = buf
		sl.txBit = 0
	case 0x4e: // Write Scratchpad
		sl.state = stateWriteSpad
		sl.spadIn = nil
	case 0x48: // Copy Scratchpad, nothing observable
		sl.state = stateIdle
	default:
		sl.state = stateIdle
	}
}

func (sl *Slave) romBitSet(i int) bool {
	return sl.ROM[i/8]&(1<<uint(i%8)) != 0
}

var _ owbus.Port = &Sim{}
var _ owbus.HighDriver = &Sim{}
