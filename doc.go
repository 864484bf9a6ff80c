// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a software (bit-banged) 1-Wire bus
// master and the device drivers built on top of it.
//
// The bus master lives in owbus and drives a single open-drain GPIO line
// with microsecond timing, implementing reset/presence detection, bit and
// byte transport, ROM addressing and the binary-tree device search. The
// ds18b20 package implements the temperature sensor protocol on top of it.
package onewire
