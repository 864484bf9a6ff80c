// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbus implements a software (bit-banged) 1-Wire bus master on a
// single open-drain GPIO line.
//
// The master generates the reset, write and read time slots itself with
// microsecond delays, so it carries no platform specific code: the line is
// consumed through the small Port capability and the package runs unchanged
// against real hardware (see PinPort) or the simulated bus in owbustest.
//
// Dev implements periph.io's onewire.Bus and onewire.BusSearcher, so device
// drivers written against those interfaces work on top of it. The package
// additionally exposes the bit-level primitives, ROM addressing and a
// resumable binary-tree device search for callers that want one device per
// call instead of a full enumeration.
//
// Time slots are generated with interrupts enabled. On hosts with preemptive
// scheduling a long preemption in the middle of a slot corrupts it, which
// surfaces as a CRC mismatch or a missing presence pulse; every operation is
// single-shot and safe to retry.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS18B20.pdf
// describes the bus timing; the search algorithm is from Maxim application
// note 187.
package owbus
