// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

// Zero overwrites b with zeros.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// secureBuffer copies b into a fresh buffer and tries to pin it in RAM.
// Locking is best effort; a failed mlock still returns the copy.
func secureBuffer(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	_ = lockMemory(out)
	return out
}

// releaseBuffer zeroes and unlocks a buffer made by secureBuffer.
func releaseBuffer(b []byte) {
	if b == nil {
		return
	}
	Zero(b)
	_ = unlockMemory(b)
}
