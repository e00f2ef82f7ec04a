// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSubkey expands secret into a KeySize key bound to info. Distinct
// info strings give independent keys from one KEK.
func DeriveSubkey(secret []byte, info string) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, fmt.Errorf("derive %s key: secret shorter than %d bytes", info, KeySize)
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return out, nil
}
