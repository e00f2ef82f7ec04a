// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// wrappedKeySep separates the wrapped DEK from its IV in WrappedKey.
const wrappedKeySep = "."

// strictB64 rejects non-canonical trailing bits so every encoded bit is
// covered by the GCM tag.
var strictB64 = base64.StdEncoding.Strict()

var (
	// ErrUnwrapFailure indicates the DEK could not be unwrapped under the KEK.
	ErrUnwrapFailure = errors.New("envelope key unwrap failed")
	// ErrMalformedEnvelope indicates an envelope field failed to decode.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// EncryptedEnvelope is a record encrypted under its own data key. The data
// key is stored alongside, wrapped under the KEK:
// WrappedKey = base64(wrappedDEK) + "." + base64(keyIV).
type EncryptedEnvelope struct {
	Ciphertext string `json:"ciphertext"`
	WrappedKey string `json:"wrappedKey"`
	IV         string `json:"iv"`
}

// EnvelopeCodec performs per-record envelope encryption.
type EnvelopeCodec struct {
	kek cipher.AEAD
}

// NewEnvelopeCodec binds a codec to a 32-byte KEK. The key bytes are
// copied into the cipher; the caller may zero kek afterwards.
func NewEnvelopeCodec(kek []byte) (*EnvelopeCodec, error) {
	aead, err := newGCM(kek)
	if err != nil {
		return nil, fmt.Errorf("envelope KEK: %w", err)
	}
	return &EnvelopeCodec{kek: aead}, nil
}

// EncryptEnvelope serializes data as JSON and seals it.
func (c *EnvelopeCodec) EncryptEnvelope(data any) (*EncryptedEnvelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	defer Zero(payload)
	return c.Seal(payload)
}

// DecryptEnvelope opens env and unmarshals the payload into out.
func (c *EnvelopeCodec) DecryptEnvelope(env *EncryptedEnvelope, out any) error {
	payload, err := c.Open(env)
	if err != nil {
		return err
	}
	defer Zero(payload)
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// Seal encrypts raw bytes under a fresh DEK.
func (c *EnvelopeCodec) Seal(plaintext []byte) (*EncryptedEnvelope, error) {
	dek, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	dataAEAD, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	iv, ct, err := sealWith(dataAEAD, plaintext, nil)
	if err != nil {
		return nil, err
	}

	keyIV, wrapped, err := sealWith(c.kek, dek, nil)
	if err != nil {
		return nil, err
	}

	enc := base64.StdEncoding
	return &EncryptedEnvelope{
		Ciphertext: enc.EncodeToString(ct),
		WrappedKey: enc.EncodeToString(wrapped) + wrappedKeySep + enc.EncodeToString(keyIV),
		IV:         enc.EncodeToString(iv),
	}, nil
}

// Open unwraps the DEK and decrypts the payload. It never returns
// partial plaintext.
func (c *EnvelopeCodec) Open(env *EncryptedEnvelope) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}

	wrapped, keyIV, err := splitWrappedKey(env.WrappedKey)
	if err != nil {
		return nil, err
	}
	iv, err := decodeIV(env.IV)
	if err != nil {
		return nil, err
	}
	ct, err := strictB64.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}

	dek, err := c.kek.Open(nil, keyIV, wrapped, nil)
	if err != nil {
		return nil, ErrUnwrapFailure
	}
	defer Zero(dek)

	dataAEAD, err := newGCM(dek)
	if err != nil {
		return nil, ErrUnwrapFailure
	}
	pt, err := dataAEAD.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return pt, nil
}

func splitWrappedKey(s string) (wrapped, keyIV []byte, err error) {
	parts := strings.Split(s, wrappedKeySep)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: wrapped key has %d parts", ErrMalformedEnvelope, len(parts))
	}
	wrapped, err = strictB64.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: wrapped key: %v", ErrMalformedEnvelope, err)
	}
	keyIV, err = decodeIV(parts[1])
	if err != nil {
		return nil, nil, err
	}
	return wrapped, keyIV, nil
}

func decodeIV(s string) ([]byte, error) {
	iv, err := strictB64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrMalformedEnvelope, len(iv))
	}
	return iv, nil
}
