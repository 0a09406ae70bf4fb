// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm

// CRC8 calculates the 1-wire CRC of the byte slice parameter and returns the
// calculated value: generator polynomial x⁸+x⁵+x⁴+1, least significant bit
// first. Every ROM code and most device scratchpads carry a trailing check
// byte; a buffer with its check byte appended yields 0.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for range 8 {
			if (crc & 1) == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}
