// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/onewire"
)

// Device is the 64-bit ROM address of one device on the bus. Byte 0 is the
// family code, bytes 1 through 6 the unique serial and byte 7 the CRC-8 of
// the preceding seven bytes. It is a plain value: freely copyable, compared
// by equality.
type Device [8]byte

// Family returns the family code, which identifies the device type.
func (d Device) Family() byte { return d[0] }

// CRC returns the trailing checksum byte.
func (d Device) CRC() byte { return d[7] }

// Valid reports whether the trailing checksum matches the address.
func (d Device) Valid() bool { return CRC8(d[:7]) == d[7] }

// Address returns the periph.io representation of the address, with the
// family code in the least significant byte.
func (d Device) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(d[:]))
}

// DeviceOf is the inverse of Address.
func DeviceOf(a onewire.Address) Device {
	var d Device
	binary.LittleEndian.PutUint64(d[:], uint64(a))
	return d
}

// String formats the address in the canonical colon-separated form, e.g.
// "28:ac:41:0e:07:00:00:74".
func (d Device) String() string {
	var b [23]byte
	for i, v := range d {
		if i > 0 {
			b[i*3-1] = ':'
		}
		b[i*3] = hextable[v>>4]
		b[i*3+1] = hextable[v&0x0f]
	}
	return string(b[:])
}

// ParseDevice parses the canonical form produced by String: exactly 8
// lowercase hex byte-pairs separated by colons, 23 characters total. Any
// deviation fails.
func ParseDevice(s string) (Device, error) {
	var d Device
	if len(s) != 23 {
		return d, fmt.Errorf("owbus: malformed device address %q", s)
	}
	for i := 0; i < 8; i++ {
		if i > 0 && s[i*3-1] != ':' {
			return Device{}, fmt.Errorf("owbus: malformed device address %q", s)
		}
		hi := unhex(s[i*3])
		lo := unhex(s[i*3+1])
		if hi < 0 || lo < 0 {
			return Device{}, fmt.Errorf("owbus: malformed device address %q", s)
		}
		d[i] = byte(hi<<4 | lo)
	}
	return d, nil
}

const hextable = "0123456789abcdef"

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
