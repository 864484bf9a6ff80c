// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import "fmt"

// WireNotHighError is returned when the line never reads high before a
// transaction, indicating a short to ground or a missing pull-up. It
// implements onewire.ShortedBusError.
type WireNotHighError struct{}

func (e *WireNotHighError) Error() string {
	return "owbus: wire is not high (shorted bus or missing pull-up)"
}
func (e *WireNotHighError) BusError() bool  { return true }
func (e *WireNotHighError) IsShorted() bool { return true }

// CRCError reports a checksum mismatch on data received from a device,
// usually line noise or a corrupted slot. The transaction can be retried.
type CRCError struct {
	Computed byte
	Expected byte
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("owbus: CRC mismatch: computed %#02x, expected %#02x", e.Computed, e.Expected)
}
func (e *CRCError) BusError() bool { return true }

// PortError wraps a failure of the underlying line driver. It is propagated
// opaquely; use Unwrap to get at the driver's own error.
type PortError struct {
	Op  string
	Err error
}

func (e *PortError) Error() string {
	return "owbus: port " + e.Op + ": " + e.Err.Error()
}
func (e *PortError) Unwrap() error { return e.Err }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }
