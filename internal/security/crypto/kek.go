// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// KEKEnvVar is the environment variable holding the envelope KEK.
const KEKEnvVar = "KAVACH_ENVELOPE_KEK"

// KEKSource indicates where the envelope KEK was loaded from.
type KEKSource int

const (
	// KEKSourceEnv indicates the key came from KAVACH_ENVELOPE_KEK.
	KEKSourceEnv KEKSource = iota
	// KEKSourceFile indicates the key came from the configured key file.
	KEKSourceFile
	// KEKSourceInsecureDefault indicates the fixed development key.
	KEKSourceInsecureDefault
)

// String returns a human-readable source name.
func (s KEKSource) String() string {
	switch s {
	case KEKSourceEnv:
		return "environment"
	case KEKSourceFile:
		return "file"
	case KEKSourceInsecureDefault:
		return "insecure-default"
	default:
		return "unknown"
	}
}

var (
	// ErrInsecureKEK indicates the development fallback KEK was selected
	// in a production environment.
	ErrInsecureKEK = errors.New("insecure development KEK is not allowed in production")
	// ErrInvalidKEK indicates a configured KEK did not decode to 32 bytes.
	ErrInvalidKEK = errors.New("invalid KEK: must be 32 bytes, base64 or hex encoded")
)

// KEKConfig selects the KEK source.
type KEKConfig struct {
	// Env is the deployment environment ("production", "development", ...).
	Env string
	// KeyFile is an optional path to a file holding the encoded KEK.
	KeyFile string
	// Logger receives the insecure-fallback warning.
	Logger *zerolog.Logger
}

// insecureDevKEK is derived from a fixed label. It exists only so local
// development works without provisioning a secret.
func insecureDevKEK() []byte {
	sum := sha256.Sum256([]byte("kavach-insecure-development-kek-do-not-use"))
	return sum[:]
}

// LoadKEK returns the envelope KEK and where it came from. Priority:
// KAVACH_ENVELOPE_KEK, then cfg.KeyFile, then the development fallback.
func LoadKEK(cfg KEKConfig) ([]byte, KEKSource, error) {
	if v := strings.TrimSpace(os.Getenv(KEKEnvVar)); v != "" {
		key, err := decodeKEK(v)
		if err != nil {
			return nil, KEKSourceEnv, fmt.Errorf("%s: %w", KEKEnvVar, err)
		}
		return key, KEKSourceEnv, nil
	}

	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, KEKSourceFile, fmt.Errorf("read KEK file: %w", err)
		}
		key, err := decodeKEK(strings.TrimSpace(string(data)))
		Zero(data)
		if err != nil {
			return nil, KEKSourceFile, fmt.Errorf("%s: %w", cfg.KeyFile, err)
		}
		return key, KEKSourceFile, nil
	}

	if strings.EqualFold(cfg.Env, "production") {
		return nil, KEKSourceInsecureDefault, ErrInsecureKEK
	}
	if cfg.Logger != nil {
		cfg.Logger.Warn().
			Str("source", KEKSourceInsecureDefault.String()).
			Msg("using insecure development KEK; set " + KEKEnvVar + " before deploying")
	}
	return insecureDevKEK(), KEKSourceInsecureDefault, nil
}

// decodeKEK accepts 64 hex characters or standard base64 of 32 bytes.
func decodeKEK(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKEK
	}
	return key, nil
}

// GenerateKEK returns a fresh random KEK encoded as base64.
func GenerateKEK() (string, error) {
	key, err := randomBytes(KeySize)
	if err != nil {
		return "", err
	}
	defer Zero(key)
	return base64.StdEncoding.EncodeToString(key), nil
}
