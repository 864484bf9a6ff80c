// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 controls a Dallas Semi / Maxim DS18B20 temperature sensor
// over a software 1-wire bus.
//
// The driver is two-phase: StartMeasurement triggers a conversion and
// returns the resolution-dependent wait, ReadRaw collects the CRC-validated
// result. Sense bundles both for callers that just want a blocking reading.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS18B20.pdf
package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/onewire/owbus"
)

// Family is the device type identified by the first address byte.
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Resolution selects the conversion bit depth. More bits take longer to
// convert but resolve finer temperature steps.
type Resolution uint8

const (
	Bits9 Resolution = 9 + iota
	Bits10
	Bits11
	Bits12
)

// ConversionTime returns how long the sensor needs to finish a measurement
// at this resolution (datasheet p.6).
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case Bits9:
		return 94 * time.Millisecond
	case Bits10:
		return 188 * time.Millisecond
	case Bits11:
		return 375 * time.Millisecond
	default:
		return 750 * time.Millisecond
	}
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d-bit", uint8(r))
}

// FamilyMismatchError is returned when the supplied address does not belong
// to a DS18B20. It is a caller bug or an address mix-up, not something a
// retry fixes.
type FamilyMismatchError struct {
	Expected Family
	Actual   Family
}

func (e *FamilyMismatchError) Error() string {
	return fmt.Sprintf("ds18b20: family code mismatch: expected %#02x (%s), got %#02x (%s)",
		byte(e.Expected), e.Expected, byte(e.Actual), e.Actual)
}

// Dev is a handle to a DS18B20 on a software 1-wire bus.
type Dev struct {
	bus        *owbus.Dev
	dev        owbus.Device
	resolution Resolution
}

// New returns a driver for the sensor with the given address.
//
// It verifies the family code, probes the device by reading its scratchpad,
// and reprograms the configuration register when the stored resolution
// differs from the requested one.
func New(bus *owbus.Dev, dev owbus.Device, resolution Resolution) (*Dev, error) {
	if f := Family(dev.Family()); f != DS18B20 {
		return nil, &FamilyMismatchError{Expected: DS18B20, Actual: f}
	}
	if resolution < Bits9 || resolution > Bits12 {
		return nil, errors.New("ds18b20: invalid resolution")
	}
	d := NewForced(bus, dev, resolution)

	// Reading the scratchpad doubles as a liveness and CRC probe.
	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}
	if Resolution(spad[4]>>5)+Bits9 != resolution {
		if err := d.setResolution(resolution); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// NewForced returns a driver without the family or liveness checks. The
// caller is responsible for making sure the address belongs to a compatible
// sensor; a wrong one surfaces as garbage readings or CRC errors.
func NewForced(bus *owbus.Dev, dev owbus.Device, resolution Resolution) *Dev {
	return &Dev{bus: bus, dev: dev, resolution: resolution}
}

func (d *Dev) Family() Family {
	return Family(d.dev.Family())
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.dev.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// StartMeasurement triggers a conversion and returns how long the sensor
// needs before the result can be read.
//
// It never sleeps; the caller owns the wait and can spend it elsewhere. The
// line is left strongly pulled up to power parasitic devices through the
// conversion.
func (d *Dev) StartMeasurement() (time.Duration, error) {
	if err := d.bus.ResetSelectWritePower(d.dev, []byte{cmdConvert}); err != nil {
		return 0, err
	}
	return d.resolution.ConversionTime(), nil
}

// ReadRaw returns the latest conversion result as a 16-bit two's-complement
// value with 4 fractional bits, 1/16 °C per step.
func (d *Dev) ReadRaw() (int16, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}
	return int16(uint16(spad[0]) | uint16(spad[1])<<8), nil
}

// Temperature returns the latest conversion result.
func (d *Dev) Temperature() (physic.Temperature, error) {
	raw, err := d.ReadRaw()
	if err != nil {
		return 0, err
	}
	// raw has 4 fractional bits (datasheet p.4).
	return physic.Temperature(raw)*physic.Kelvin/16 + physic.ZeroCelsius, nil
}

// Sense implements physic.SenseEnv. It runs a full conversion, which blocks
// from 94ms to 750ms depending on the resolution.
func (d *Dev) Sense(e *physic.Env) error {
	wait, err := d.StartMeasurement()
	if err != nil {
		return err
	}
	sleep(wait)
	t, err := d.Temperature()
	if err != nil {
		return err
	}
	// The device powers up with a reading of exactly 85°C, so that value
	// almost always means no conversion ran (insufficient pull-up?). This
	// prevents sensing exactly 85°C, but that seems like the right tradeoff.
	if t == 85*physic.Celsius+physic.ZeroCelsius {
		return busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// SplitTemp splits a raw conversion value into an integer part in degrees
// and a fractional part scaled by 10000, so 25.0625°C becomes (25, 625).
// Both parts carry the sign of the temperature, which keeps them printable
// on targets without floating point hardware.
func SplitTemp(raw int16) (int32, int32) {
	v := int32(raw)
	neg := v < 0
	if neg {
		v = -v
	}
	integer := v >> 4
	fraction := (v & 0xf) * 625
	if neg {
		return -integer, -fraction
	}
	return integer, fraction
}

// ConvertAll starts a conversion on every sensor on the bus at once and
// sleeps until the slowest configured device is done. maxResolution must be
// the highest resolution of any device on the bus.
func ConvertAll(bus *owbus.Dev, maxResolution Resolution) error {
	if maxResolution < Bits9 || maxResolution > Bits12 {
		return errors.New("ds18b20: invalid resolution")
	}
	if err := StartAll(bus); err != nil {
		return err
	}
	sleep(maxResolution.ConversionTime())
	return nil
}

// StartAll starts a conversion on every sensor on the bus without waiting.
// Conversion timing must be handled by the caller, typically in combination
// with ReadRaw.
func StartAll(bus *owbus.Dev) error {
	return bus.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup)
}

// readScratchpad reads the 9 scratchpad bytes and checks the CRC, seeded
// with the device address. It returns the 8 data bytes.
func (d *Dev) readScratchpad() ([]byte, error) {
	var spad [9]byte
	if err := d.bus.ResetSelectRead(d.dev, []byte{cmdReadScratchpad}, spad[:]); err != nil {
		return nil, err
	}
	if err := owbus.VerifyCRC(d.dev, spad[:8], spad[8]); err != nil {
		return nil, err
	}
	return spad[:8], nil
}

// setResolution programs the configuration register and saves it to EEPROM
// (datasheet p.6).
func (d *Dev) setResolution(r Resolution) error {
	cfg := byte(r-Bits9)<<5 | 0x1f
	if err := d.bus.ResetSelectWrite(d.dev, []byte{cmdWriteScratchpad, 0, 0, cfg}); err != nil {
		return err
	}
	// The EEPROM write takes up to 10ms and needs power on the line.
	if err := d.bus.ResetSelectWritePower(d.dev, []byte{cmdCopyScratchpad}); err != nil {
		return err
	}
	sleep(10 * time.Millisecond)
	return nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// Function commands understood by the sensor.
const (
	cmdConvert         = 0x44
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
	cmdReadScratchpad  = 0xbe
	cmdRecallE2        = 0xb8
	cmdReadPowerSupply = 0xb4

	cmdSkipROM = 0xcc
)

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
