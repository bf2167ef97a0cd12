// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package image

const deviceKeyLen = 16

// DeriveDeviceKey expands a device serial number into its transfer key.
// The same derivation runs inside the device; the host only needs it to
// build images and to answer "can this device decode this image" before a
// transfer starts.
func DeriveDeviceKey(serialNumber string) []byte {
	// FNV-1a folded into deviceKeyLen bytes, re-seeded per round so the
	// key doesn't degenerate for short serials.
	key := make([]byte, deviceKeyLen)
	h := uint32(2166136261)
	for round := 0; round < deviceKeyLen; round++ {
		h ^= uint32(round + 1)
		for i := 0; i < len(serialNumber); i++ {
			h ^= uint32(serialNumber[i])
			h *= 16777619
		}
		key[round] = byte(h >> ((round % 4) * 8))
	}
	return key
}

// KeyTag condenses a key into the 32-bit tag stored per encrypted module.
func KeyTag(key []byte) uint32 {
	h := uint32(2166136261)
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// XORCode applies the index-mixed XOR stream coding. It is symmetric:
// coding twice with the same key restores the input.
func XORCode(data, key []byte) []byte {
	res := make([]byte, len(data))
	for i := range data {
		res[i] = data[i] ^ key[i%len(key)] ^ byte(i)
	}
	return res
}
