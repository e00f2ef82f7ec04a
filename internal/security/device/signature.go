// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CanvasUnsupported replaces CanvasHash when the rendering probe fails.
const CanvasUnsupported = "canvas-unsupported"

// Signature is a point-in-time description of the host the process runs on.
type Signature struct {
	UserAgent        string    `json:"userAgent"`
	ScreenResolution string    `json:"screenResolution"`
	Timezone         string    `json:"timezone"`
	Language         string    `json:"language"`
	Platform         string    `json:"platform"`
	CanvasHash       string    `json:"canvasHash"`
	GeneratedAt      time.Time `json:"generatedAt"`
}

// Fingerprint returns the SHA-256 hex digest of the identifying fields.
// GeneratedAt is excluded so two captures of the same host agree.
func (s Signature) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		s.UserAgent,
		s.ScreenResolution,
		s.Timezone,
		s.Language,
		s.Platform,
		s.CanvasHash,
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
