// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

// CRC-8 with the Dallas/Maxim polynomial x^8+x^5+x^4+1, processed least
// significant bit first (feedback byte 0x8c), seed 0. Every ROM address and
// scratchpad on the bus is protected by it.

// CRC8 returns the checksum of data.
func CRC8(data []byte) byte {
	return CRC8Update(0, data)
}

// CRC8Update feeds data into a running checksum.
func CRC8Update(crc byte, data []byte) byte {
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 1
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			b >>= 1
		}
	}
	return crc
}

// VerifyCRC checks a payload read from dev against its trailing checksum
// byte. The checksum is seeded with the full device address: a valid address
// contributes zero, so this equals the plain payload checksum, while a
// corrupted address makes the mismatch visible as well.
func VerifyCRC(dev Device, data []byte, crc byte) error {
	computed := CRC8Update(CRC8(dev[:]), data)
	if computed != crc {
		return &CRCError{Computed: computed, Expected: crc}
	}
	return nil
}
