// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Port is the open-drain line capability consumed by the bus master.
//
// The line is idle when floating; the external pull-up resistor returns it
// high. Implementations must never drive the line high from these three
// operations, see HighDriver for the strong pull-up.
type Port interface {
	// DriveLow actively pulls the line to ground.
	DriveLow() error
	// Float releases the line.
	Float() error
	// Level samples the current line level.
	Level() (gpio.Level, error)
}

// HighDriver is optionally implemented by Ports that can actively drive the
// line high. The bus master uses it as the strong pull-up that powers
// parasitic devices during conversions and EEPROM writes; without it, those
// devices only get the weak pull-up of the floating line.
type HighDriver interface {
	DriveHigh() error
}

// PinPort adapts a gpio.PinIO to the Port capability, using the pin's
// internal pull-up while the line floats.
func PinPort(p gpio.PinIO) Port {
	return &pinPort{p: p}
}

type pinPort struct {
	p gpio.PinIO
}

func (p *pinPort) DriveLow() error  { return p.p.Out(gpio.Low) }
func (p *pinPort) DriveHigh() error { return p.p.Out(gpio.High) }
func (p *pinPort) Float() error     { return p.p.In(gpio.PullUp, gpio.NoEdge) }
func (p *pinPort) Level() (gpio.Level, error) {
	return p.p.Read(), nil
}
func (p *pinPort) String() string { return p.p.Name() }

// Opts contains options to pass to the constructor.
type Opts struct {
	// Parasite keeps the line driven after the final byte of each write so
	// that parasitically powered devices keep their supply during the
	// following operation.
	Parasite bool

	// Delay is the microsecond-granularity delay provider used to pace the
	// time slots. It defaults to time.Sleep, which is adequate on hosted
	// targets with a hardware timer behind it; firmware ports should supply
	// a calibrated busy-wait.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{}

// New returns a bus master that bit-bangs the 1-wire protocol on p.
//
// The line is released to its idle (floating) state before New returns.
func New(p Port, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, busError("owbus: a port is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{port: p, parasite: opts.Parasite, delay: opts.Delay}
	if d.delay == nil {
		d.delay = time.Sleep
	}
	if hd, ok := p.(HighDriver); ok {
		d.driveHigh = hd.DriveHigh
	}
	if err := d.release(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a software 1-wire bus master and implements onewire.Bus.
//
// The bus is assumed to have exactly one master. All operations run to
// completion on the calling goroutine; the embedded lock only serializes
// callers, it does not make individual bit slots concurrency safe.
type Dev struct {
	sync.Mutex                     // lock for the bus while a transaction is in progress
	port       Port                // the open-drain line
	driveHigh  func() error        // nil when the port cannot drive high
	parasite   bool                // hold the line after writes
	delay      func(time.Duration) // paces the time slots
}

func (d *Dev) String() string {
	return fmt.Sprintf("owbus{%v}", d.port)
}

// Halt implements conn.Resource. It releases the line.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	return d.release()
}

// Reset issues a reset pulse and listens for a presence pulse.
//
// It returns true if at least one device answered and false if the line is
// healthy but nobody answered. A line that never reads high before the pulse
// fails with *WireNotHighError instead; that is the only failure this layer
// raises on its own, everything else is caught by protocol validation
// further up.
func (d *Dev) Reset() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.reset()
}

// Tx performs a bus transaction: reset, write w, read r, ending with a
// strong pull-up on the line if power is onewire.StrongPullup and the port
// supports it.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()

	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("owbus: no device present")
	}
	for i, b := range w {
		hold := power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0
		if err := d.writeByte(b, hold); err != nil {
			return err
		}
	}
	for i := range r {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	if power == onewire.StrongPullup && len(r) != 0 {
		return d.hold()
	}
	return nil
}

// ReadBit reads a single bit from the bus.
func (d *Dev) ReadBit() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.readBit()
}

// WriteBit writes a single bit to the bus.
func (d *Dev) WriteBit(bit bool) error {
	d.Lock()
	defer d.Unlock()
	return d.writeBit(bit)
}

// ReadByte reads a byte from the bus, least significant bit first.
func (d *Dev) ReadByte() (byte, error) {
	d.Lock()
	defer d.Unlock()
	return d.readByte()
}

// WriteByte writes a byte to the bus, least significant bit first. With
// power set the line is held driven after the final bit instead of being
// released to idle.
func (d *Dev) WriteByte(b byte, power bool) error {
	d.Lock()
	defer d.Unlock()
	return d.writeByte(b, power)
}

// ReadBytes fills buf from the bus.
func (d *Dev) ReadBytes(buf []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.readBytes(buf)
}

// WriteBytes writes w to the bus, releasing the line afterwards unless the
// bus is in parasite mode.
func (d *Dev) WriteBytes(w []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.writeBytes(w)
}

// Select addresses one specific device; every other device ignores the bus
// until the next reset. The caller must have issued a successful Reset
// immediately before, or use the ResetSelect* transactions which cannot get
// the ordering wrong.
func (d *Dev) Select(dev Device) error {
	d.Lock()
	defer d.Unlock()
	return d.selectROM(dev)
}

// SkipSelect addresses every device on the bus at once. Useful to broadcast
// a command, or to talk to a single-drop bus without knowing the address.
func (d *Dev) SkipSelect() error {
	d.Lock()
	defer d.Unlock()
	return d.writeByte(cmdSkipROM, d.parasite)
}

// ResetSelectWrite resets the bus, addresses dev and writes w, as one
// transaction.
func (d *Dev) ResetSelectWrite(dev Device, w []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.resetSelectWrite(dev, w, d.parasite)
}

// ResetSelectWritePower is ResetSelectWrite ending with a strong pull-up on
// the line, powering parasitic devices through the operation started by the
// last byte of w.
func (d *Dev) ResetSelectWritePower(dev Device, w []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.resetSelectWrite(dev, w, true)
}

// ResetSelectRead resets the bus, addresses dev, writes w and fills r, as
// one transaction.
func (d *Dev) ResetSelectRead(dev Device, w []byte, r []byte) error {
	d.Lock()
	defer d.Unlock()
	if err := d.resetSelectWrite(dev, w, false); err != nil {
		return err
	}
	return d.readBytes(r)
}

// ReadROM reads the address of the only device on the bus without a search.
// With more than one device present the responses collide, which shows up
// as a CRC mismatch.
func (d *Dev) ReadROM() (Device, error) {
	d.Lock()
	defer d.Unlock()

	present, err := d.reset()
	if err != nil {
		return Device{}, err
	}
	if !present {
		return Device{}, busError("owbus: no device present")
	}
	if err := d.writeByte(cmdReadROM, false); err != nil {
		return Device{}, err
	}
	var dev Device
	if err := d.readBytes(dev[:]); err != nil {
		return Device{}, err
	}
	if !dev.Valid() {
		return Device{}, &CRCError{Computed: CRC8(dev[:7]), Expected: dev[7]}
	}
	return dev, nil
}

// SearchTriplet reads the true and complement bits of the current search
// position and writes back the direction taken, following the DS2482
// convention for TripletResult. It should not be used directly, use Search
// or SearchNext instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.Lock()
	defer d.Unlock()

	var tr onewire.TripletResult
	t, c, err := d.readBitPair()
	if err != nil {
		return tr, err
	}
	tr.GotZero = !t
	tr.GotOne = !c
	switch {
	case t: // nobody answered, or every candidate has a 1 here
		tr.Taken = 1
	case c: // every candidate has a 0 here
		tr.Taken = 0
	default: // genuine fork, the caller picks
		if direction != 0 {
			tr.Taken = 1
		}
	}
	if err := d.writeBit(tr.Taken != 0); err != nil {
		return tr, err
	}
	return tr, nil
}

//

func (d *Dev) reset() (bool, error) {
	if err := d.release(); err != nil {
		return false, err
	}
	if err := d.ensureWireHigh(); err != nil {
		return false, err
	}
	if err := d.low(); err != nil {
		return false, err
	}
	d.delay(tResetLow)
	if err := d.release(); err != nil {
		return false, err
	}
	// Devices answer anywhere between 15µs and 60µs after the release, so
	// sample repeatedly across the window and OR the results.
	present := false
	for i := 0; i < presenceSamples; i++ {
		d.delay(tPresenceStep)
		l, err := d.level()
		if err != nil {
			return false, err
		}
		present = present || l == gpio.Low
	}
	d.delay(tResetTail)
	return present, nil
}

// ensureWireHigh confirms the idle line reads high before a reset pulse. A
// line that stays low is shorted or missing its pull-up; driving it would be
// pointless at best.
func (d *Dev) ensureWireHigh() error {
	for i := 0; i < wireHighTries; i++ {
		l, err := d.level()
		if err != nil {
			return err
		}
		if l == gpio.High {
			return nil
		}
		d.delay(tWireHighPoll)
	}
	return &WireNotHighError{}
}

func (d *Dev) readBit() (bool, error) {
	if err := d.low(); err != nil {
		return false, err
	}
	d.delay(tReadInit)
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(tReadSample)
	l, err := d.level()
	if err != nil {
		return false, err
	}
	d.delay(tReadTail)
	return l == gpio.High, nil
}

func (d *Dev) readBitPair() (bool, bool, error) {
	t, err := d.readBit()
	if err != nil {
		return false, false, err
	}
	c, err := d.readBit()
	if err != nil {
		return false, false, err
	}
	return t, c, nil
}

// writeBit emits one time slot. Both slot flavors last the same ~65µs, only
// the duty cycle differs: a short low pulse encodes a 1, a long one a 0.
func (d *Dev) writeBit(bit bool) error {
	if err := d.low(); err != nil {
		return err
	}
	if bit {
		d.delay(tWrite1Low)
		if err := d.release(); err != nil {
			return err
		}
		d.delay(tWrite1Recovery)
	} else {
		d.delay(tWrite0Low)
		if err := d.release(); err != nil {
			return err
		}
		d.delay(tWrite0Recovery)
	}
	return nil
}

func (d *Dev) readByte() (byte, error) {
	var b byte
	for i := uint(0); i < 8; i++ {
		bit, err := d.readBit()
		if err != nil {
			return 0, err
		}
		if bit {
			b |= 1 << i
		}
	}
	return b, nil
}

func (d *Dev) writeByte(b byte, power bool) error {
	for i := 0; i < 8; i++ {
		if err := d.writeBit(b&1 == 1); err != nil {
			return err
		}
		b >>= 1
	}
	// The slot already released the line; hold it only when requested, that
	// is the convention that lets externally powered devices regain control.
	if power {
		return d.hold()
	}
	return nil
}

func (d *Dev) readBytes(buf []byte) error {
	for i := range buf {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

func (d *Dev) writeBytes(w []byte) error {
	for i, b := range w {
		if err := d.writeByte(b, d.parasite && i == len(w)-1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dev) selectROM(dev Device) error {
	if err := d.writeByte(cmdMatchROM, false); err != nil {
		return err
	}
	for i, b := range dev {
		if err := d.writeByte(b, d.parasite && i == len(dev)-1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dev) resetSelectWrite(dev Device, w []byte, power bool) error {
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("owbus: no device present")
	}
	if err := d.selectROM(dev); err != nil {
		return err
	}
	for i, b := range w {
		if err := d.writeByte(b, power && i == len(w)-1); err != nil {
			return err
		}
	}
	return nil
}

// hold drives the line high on ports that can, providing the strong pull-up
// for parasitic power. Ports without a HighDriver fall back to the weak
// pull-up of the floating line.
func (d *Dev) hold() error {
	if d.driveHigh == nil {
		return nil
	}
	if err := d.driveHigh(); err != nil {
		return &PortError{Op: "drive-high", Err: err}
	}
	return nil
}

func (d *Dev) low() error {
	if err := d.port.DriveLow(); err != nil {
		return &PortError{Op: "drive-low", Err: err}
	}
	return nil
}

func (d *Dev) release() error {
	if err := d.port.Float(); err != nil {
		return &PortError{Op: "float", Err: err}
	}
	return nil
}

func (d *Dev) level() (gpio.Level, error) {
	l, err := d.port.Level()
	if err != nil {
		return l, &PortError{Op: "level", Err: err}
	}
	return l, nil
}

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}

// Bus timing. The values are the ones from the DS18B20 datasheet with the
// margins picked by the reference master implementations.
const (
	tResetLow       = 480 * time.Microsecond // reset low pulse
	tPresenceStep   = 10 * time.Microsecond  // presence sampling step
	presenceSamples = 7                      // samples across the 70µs presence window
	tResetTail      = 410 * time.Microsecond // remainder of the reset slot

	tReadInit   = 3 * time.Microsecond  // read slot init pulse
	tReadSample = 10 * time.Microsecond // release to sample offset
	tReadTail   = 53 * time.Microsecond // remainder of the read slot

	tWrite1Low      = 10 * time.Microsecond
	tWrite1Recovery = 55 * time.Microsecond
	tWrite0Low      = 65 * time.Microsecond
	tWrite0Recovery = 5 * time.Microsecond

	tWireHighPoll = 2 * time.Microsecond // idle-line poll step
	wireHighTries = 125                  // ~250µs ceiling before WireNotHigh
)

// ROM commands.
const (
	cmdReadROM     = 0x33 // read the address of the only device on the bus
	cmdMatchROM    = 0x55 // address one specific device
	cmdSkipROM     = 0xcc // address every device at once
	cmdSearchROM   = 0xf0 // binary-tree search over all devices
	cmdAlarmSearch = 0xec // binary-tree search over devices in alarm state
)
