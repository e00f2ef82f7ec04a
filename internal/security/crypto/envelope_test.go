// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type badgeRecord struct {
	Badge string `json:"badge"`
	Name  string `json:"name"`
	Rank  int    `json:"rank"`
}

func newTestCodec(t *testing.T) *EnvelopeCodec {
	t.Helper()
	kek, err := randomBytes(KeySize)
	require.NoError(t, err)
	c, err := NewEnvelopeCodec(kek)
	require.NoError(t, err)
	return c
}

func TestEnvelope_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	in := badgeRecord{Badge: "KA-4471", Name: "R. Sharma", Rank: 3}

	env, err := c.EncryptEnvelope(in)
	require.NoError(t, err)
	assert.Len(t, strings.Split(env.WrappedKey, "."), 2)

	var out badgeRecord
	require.NoError(t, c.DecryptEnvelope(env, &out))
	assert.Equal(t, in, out)
}

func TestEnvelope_SealOpenBytes(t *testing.T) {
	c := newTestCodec(t)
	for _, p := range [][]byte{{}, []byte("x"), make([]byte, 10000)} {
		env, err := c.Seal(p)
		require.NoError(t, err)
		got, err := c.Open(env)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(got))
	}
}

func TestEnvelope_FreshKeyPerRecord(t *testing.T) {
	c := newTestCodec(t)
	a, err := c.EncryptEnvelope("same")
	require.NoError(t, err)
	b, err := c.EncryptEnvelope("same")
	require.NoError(t, err)
	assert.NotEqual(t, a.WrappedKey, b.WrappedKey)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func flipBit(t *testing.T, s string, bit int) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	raw[bit/8%len(raw)] ^= 1 << (bit % 8)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEnvelope_CiphertextBitFlip(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.EncryptEnvelope(badgeRecord{Badge: "KA-1"})
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	for bit := 0; bit < len(raw)*8; bit += 7 {
		tampered := *env
		tampered.Ciphertext = flipBit(t, env.Ciphertext, bit)
		_, err := c.Open(&tampered)
		require.ErrorIs(t, err, ErrDecryptFailure, "bit %d", bit)
	}
}

func TestEnvelope_WrappedKeyBitFlip(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.EncryptEnvelope(badgeRecord{Badge: "KA-1"})
	require.NoError(t, err)

	parts := strings.Split(env.WrappedKey, ".")
	raw, _ := base64.StdEncoding.DecodeString(parts[0])
	for bit := 0; bit < len(raw)*8; bit += 5 {
		tampered := *env
		tampered.WrappedKey = flipBit(t, parts[0], bit) + "." + parts[1]
		_, err := c.Open(&tampered)
		require.ErrorIs(t, err, ErrUnwrapFailure, "bit %d", bit)
	}

	tampered := *env
	tampered.WrappedKey = parts[0] + "." + flipBit(t, parts[1], 3)
	_, err = c.Open(&tampered)
	require.ErrorIs(t, err, ErrUnwrapFailure)
}

func TestEnvelope_WrongKEK(t *testing.T) {
	env, err := newTestCodec(t).EncryptEnvelope("secret")
	require.NoError(t, err)

	_, err = newTestCodec(t).Open(env)
	require.ErrorIs(t, err, ErrUnwrapFailure)
}

func TestEnvelope_Malformed(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.EncryptEnvelope("x")
	require.NoError(t, err)

	cases := map[string]func(e *EncryptedEnvelope){
		"no separator":   func(e *EncryptedEnvelope) { e.WrappedKey = strings.ReplaceAll(e.WrappedKey, ".", "") },
		"extra part":     func(e *EncryptedEnvelope) { e.WrappedKey += ".AAAA" },
		"bad base64":     func(e *EncryptedEnvelope) { e.Ciphertext = "%%%" },
		"short iv":       func(e *EncryptedEnvelope) { e.IV = base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) },
		"bad wrapped iv": func(e *EncryptedEnvelope) { e.WrappedKey = strings.Split(e.WrappedKey, ".")[0] + ".!!" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := *env
			mutate(&e)
			_, err := c.Open(&e)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}

	_, err = c.Open(nil)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNewEnvelopeCodec_RejectsShortKey(t *testing.T) {
	_, err := NewEnvelopeCodec(make([]byte, 16))
	require.Error(t, err)
}

// =============================================================================
// KEK LOADING
// =============================================================================

func TestLoadKEK_EnvBase64AndHex(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	t.Setenv(KEKEnvVar, base64.StdEncoding.EncodeToString(key))
	got, src, err := LoadKEK(KEKConfig{Env: "production"})
	require.NoError(t, err)
	assert.Equal(t, KEKSourceEnv, src)
	assert.Equal(t, key, got)

	t.Setenv(KEKEnvVar, hex.EncodeToString(key))
	got, src, err = LoadKEK(KEKConfig{Env: "production"})
	require.NoError(t, err)
	assert.Equal(t, KEKSourceEnv, src)
	assert.Equal(t, key, got)

	t.Setenv(KEKEnvVar, "c2hvcnQ=")
	_, _, err = LoadKEK(KEKConfig{})
	require.ErrorIs(t, err, ErrInvalidKEK)
}

func TestLoadKEK_File(t *testing.T) {
	t.Setenv(KEKEnvVar, "")
	encoded, err := GenerateKEK()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "kek")
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0600))

	got, src, err := LoadKEK(KEKConfig{Env: "production", KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, KEKSourceFile, src)
	assert.Len(t, got, KeySize)

	_, _, err = LoadKEK(KEKConfig{KeyFile: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestLoadKEK_InsecureFallback(t *testing.T) {
	t.Setenv(KEKEnvVar, "")

	_, src, err := LoadKEK(KEKConfig{Env: "production"})
	require.ErrorIs(t, err, ErrInsecureKEK)
	assert.Equal(t, KEKSourceInsecureDefault, src)

	var buf strings.Builder
	logger := zerolog.New(&buf)
	key, src, err := LoadKEK(KEKConfig{Env: "development", Logger: &logger})
	require.NoError(t, err)
	assert.Equal(t, KEKSourceInsecureDefault, src)
	assert.Len(t, key, KeySize)
	assert.Contains(t, buf.String(), "insecure development KEK")
	assert.Equal(t, "insecure-default", src.String())
}

func TestKeyManager_CredentialNormalized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdentityStore()

	// U+FB01 LATIN SMALL LIGATURE FI normalizes to "fi" under NFKC.
	a := NewKeyManager(WithIterations(1000), WithIdentityStore(store))
	require.NoError(t, a.Initialize(ctx, "ﬁrearm", "alice"))
	aPub, _ := a.PublicKey()

	b := NewKeyManager(WithIterations(1000), WithIdentityStore(store))
	require.NoError(t, b.Initialize(ctx, "firearm", "alice"))
	bPub, _ := b.PublicKey()
	assert.Equal(t, aPub, bPub)
}
