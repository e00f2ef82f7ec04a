// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

// TOTPVerifier verifies RFC 6238 codes. Each actor's accepted time steps
// only move forward: once a code is accepted, neither it nor any code
// from the same or an earlier step is accepted again.
type TOTPVerifier struct {
	store  SecretStore
	issuer string
	now    func() time.Time

	mu       sync.Mutex
	lastStep map[string]int64
}

// TOTPOption configures a TOTPVerifier.
type TOTPOption func(*TOTPVerifier)

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) TOTPOption {
	return func(v *TOTPVerifier) {
		v.issuer = issuer
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) TOTPOption {
	return func(v *TOTPVerifier) {
		v.now = fn
	}
}

// NewTOTPVerifier creates a verifier reading secrets from store.
func NewTOTPVerifier(store SecretStore, opts ...TOTPOption) *TOTPVerifier {
	v := &TOTPVerifier{
		store:    store,
		issuer:   "Kavach",
		now:      time.Now,
		lastStep: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Enroll generates and stores a new secret for actorID.
func (v *TOTPVerifier) Enroll(ctx context.Context, actorID string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: actorID,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate otp secret: %w", err)
	}
	if err := v.store.SaveSecret(ctx, actorID, key.Secret()); err != nil {
		return nil, fmt.Errorf("store otp secret: %w", err)
	}
	return key, nil
}

// Enrolled reports whether actorID has a secret.
func (v *TOTPVerifier) Enrolled(ctx context.Context, actorID string) (bool, error) {
	_, found, err := v.store.LoadSecret(ctx, actorID)
	return found, err
}

// Verify implements CodeVerifier.
func (v *TOTPVerifier) Verify(ctx context.Context, actorID, code string) (bool, error) {
	secret, found, err := v.store.LoadSecret(ctx, actorID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotEnrolled
	}

	code = strings.TrimSpace(code)
	step, ok, err := matchStep(code, secret, v.now().UTC())
	if err != nil || !ok {
		return false, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// SECURITY: Replay resistance. A code stays valid for (2*skew+1)
	// periods; requiring a strictly later step rejects it and every
	// older code for the rest of that window.
	if last, seen := v.lastStep[actorID]; seen && step <= last {
		return false, nil
	}
	v.lastStep[actorID] = step
	return true, nil
}

// matchStep returns the time step within the skew window whose code
// equals code.
func matchStep(code, secret string, now time.Time) (int64, bool, error) {
	if len(code) != int(otp.DigitsSix) {
		return 0, false, nil
	}
	opts := validateOpts()
	current := now.Unix() / totpPeriod
	for k := int64(-totpSkew); k <= totpSkew; k++ {
		step := current + k
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), opts)
		if err != nil {
			return 0, false, fmt.Errorf("generate otp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// Issue generates the current code for actorID and hands it to sender.
func (v *TOTPVerifier) Issue(ctx context.Context, actorID string, sender CodeSender) error {
	secret, found, err := v.store.LoadSecret(ctx, actorID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotEnrolled
	}
	code, err := totp.GenerateCodeCustom(secret, v.now().UTC(), validateOpts())
	if err != nil {
		return fmt.Errorf("generate otp code: %w", err)
	}
	return sender.Send(ctx, actorID, code)
}
