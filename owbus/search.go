// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import "periph.io/x/conn/v3/onewire"

// searchState tracks the progress of an enumeration session.
type searchState uint8

const (
	searchInitialized searchState = iota
	searchDeviceFound
	searchEnd
)

// DeviceSearch is the cursor of one enumeration session, advanced one device
// per SearchNext call.
//
// It holds the address bits resolved so far and a bitmap of positions where
// the candidate devices disagreed; the highest set bit is the branch the
// next call resumes from. The cursor is not restartable: once exhausted,
// start over with a fresh one.
type DeviceSearch struct {
	addr     Device
	disc     [8]byte
	state    searchState
	family   byte
	familied bool
}

// NewDeviceSearch returns a cursor that enumerates every device on the bus.
func NewDeviceSearch() *DeviceSearch {
	return &DeviceSearch{}
}

// NewFamilySearch returns a cursor whose address is seeded with a family
// code, narrowing enumeration to that device family. The seeded bits are
// honored at every branch point as if they had already been resolved.
func NewFamilySearch(family byte) *DeviceSearch {
	s := &DeviceSearch{family: family, familied: true}
	s.addr[0] = family
	return s
}

// Done reports whether the session is exhausted.
func (s *DeviceSearch) Done() bool { return s.state == searchEnd }

// SearchNext advances the enumeration by one device.
//
// It returns the next discovered address and true, or false once the session
// is exhausted, when no device answers the reset, or when the devices on the
// bus changed under the search. Enumerating N devices takes exactly N calls;
// calling past the end is a harmless no-op.
func (d *Dev) SearchNext(s *DeviceSearch) (Device, bool, error) {
	return d.search(s, cmdSearchROM)
}

// SearchNextAlarmed behaves like SearchNext but only devices in alarm state
// take part in the search.
func (d *Dev) SearchNextAlarmed(s *DeviceSearch) (Device, bool, error) {
	return d.search(s, cmdAlarmSearch)
}

// SearchDevices enumerates the bus in one shot, of all devices or of the
// devices in alarm state only.
func (d *Dev) SearchDevices(alarmOnly bool) ([]Device, error) {
	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	var found []Device
	s := NewDeviceSearch()
	for {
		dev, ok, err := d.search(s, cmd)
		if err != nil {
			return found, err
		}
		if !ok {
			return found, nil
		}
		found = append(found, dev)
	}
}

// Search implements onewire.Bus. It returns the periph.io addresses of all
// devices on the bus, or of the devices in alarm state if alarmOnly is set.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	devices, err := d.SearchDevices(alarmOnly)
	if err != nil {
		return nil, err
	}
	addrs := make([]onewire.Address, 0, len(devices))
	for _, dev := range devices {
		addrs = append(addrs, dev.Address())
	}
	return addrs, nil
}

// search walks the 64-bit address tree once, discovering exactly one device.
// Devices answer each position with their address bit and its complement;
// positions where the candidates disagree read as 0/0 and become branch
// points, remembered in the discrepancy bitmap and revisited (as 1) by a
// later call.
func (d *Dev) search(s *DeviceSearch, cmd byte) (Device, bool, error) {
	if s.state == searchEnd {
		return Device{}, false, nil
	}
	last := s.lastDiscrepancy()
	if last < 0 && s.state == searchDeviceFound {
		// The previous call took the only remaining path; nothing is left
		// to branch to.
		s.state = searchEnd
		return Device{}, false, nil
	}

	d.Lock()
	defer d.Unlock()

	present, err := d.reset()
	if err != nil {
		return Device{}, false, err
	}
	if !present {
		return Device{}, false, nil
	}
	if err := d.writeByte(cmd, false); err != nil {
		return Device{}, false, err
	}

	// Replay the exact path of the previous call up to the branch point.
	i := 0
	for ; i < last; i++ {
		t, c, err := d.readBitPair()
		if err != nil {
			return Device{}, false, err
		}
		if t && c {
			// Nobody answered; the bus changed under the search.
			return Device{}, false, nil
		}
		if err := d.writeBit(s.addrBit(i)); err != nil {
			return Device{}, false, err
		}
	}

	// Resolve the remaining bits.
	for ; i < 64; i++ {
		t, c, err := d.readBitPair()
		if err != nil {
			return Device{}, false, err
		}
		switch {
		case i == last:
			// The branch being resumed; take the 1 path this time, the 0
			// path is fully explored.
			s.clearDiscBit(i)
			s.setAddrBit(i, true)
			if err := d.writeBit(true); err != nil {
				return Device{}, false, err
			}
		case t && c:
			return Device{}, false, nil
		case !t && !c:
			// The candidates disagree. Take the 0 branch and remember to
			// explore the 1 branch later; on the opening pass a pre-seeded
			// address bit picks the branch instead.
			bit := s.state == searchInitialized && s.addrBit(i)
			s.setAddrBit(i, bit)
			if !bit {
				s.setDiscBit(i)
			}
			if err := d.writeBit(bit); err != nil {
				return Device{}, false, err
			}
		default:
			// Every candidate agrees on this bit.
			s.setAddrBit(i, t)
			if err := d.writeBit(t); err != nil {
				return Device{}, false, err
			}
		}
	}

	if s.pending() {
		s.state = searchDeviceFound
	} else {
		s.state = searchEnd
	}
	if !s.addr.Valid() {
		// Line noise during the walk. The corrupted address is dropped; the
		// session continues with the next pending branch, if any.
		return Device{}, false, &CRCError{Computed: CRC8(s.addr[:7]), Expected: s.addr[7]}
	}
	if s.familied && s.addr.Family() != s.family {
		// The enumeration left the seeded subtree, so every device of the
		// family has been reported.
		s.state = searchEnd
		return Device{}, false, nil
	}
	return s.addr, true, nil
}

func (s *DeviceSearch) addrBit(i int) bool {
	return s.addr[i/8]&(1<<uint(i%8)) != 0
}

func (s *DeviceSearch) setAddrBit(i int, v bool) {
	if v {
		s.addr[i/8] |= 1 << uint(i%8)
	} else {
		s.addr[i/8] &^= 1 << uint(i%8)
	}
}

func (s *DeviceSearch) setDiscBit(i int)   { s.disc[i/8] |= 1 << uint(i%8) }
func (s *DeviceSearch) clearDiscBit(i int) { s.disc[i/8] &^= 1 << uint(i%8) }

// lastDiscrepancy returns the highest pending branch position, or -1.
func (s *DeviceSearch) lastDiscrepancy() int {
	for i := 63; i >= 0; i-- {
		if s.disc[i/8]&(1<<uint(i%8)) != 0 {
			return i
		}
	}
	return -1
}

func (s *DeviceSearch) pending() bool {
	for _, b := range s.disc {
		if b != 0 {
			return true
		}
	}
	return false
}
