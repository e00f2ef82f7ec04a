// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// IVSize is the AES-GCM nonce size in bytes (96 bits).
const IVSize = 12

// =============================================================================
// AES-GCM HELPERS
// =============================================================================

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d: want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// randomBytes returns n bytes from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// sealWith encrypts plaintext under aead with a fresh IV. The GCM tag is
// appended to the returned ciphertext.
func sealWith(aead cipher.AEAD, plaintext, aad []byte) (iv, ciphertext []byte, err error) {
	iv, err = randomBytes(IVSize)
	if err != nil {
		return nil, nil, err
	}
	return iv, aead.Seal(nil, iv, plaintext, aad), nil
}
