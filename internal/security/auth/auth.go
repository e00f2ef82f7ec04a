// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
)

var (
	// ErrOTPNotVerified indicates a one-time code was rejected.
	ErrOTPNotVerified = errors.New("one-time code not verified")
	// ErrNotEnrolled indicates the actor has no one-time code secret.
	ErrNotEnrolled = errors.New("actor not enrolled for one-time codes")
)

// CodeVerifier checks a one-time code for an actor.
type CodeVerifier interface {
	Verify(ctx context.Context, actorID, code string) (bool, error)
}

// CodeSender delivers a one-time code to an actor.
type CodeSender interface {
	Send(ctx context.Context, actorID, code string) error
}

// CodeSenderFunc adapts a function to CodeSender.
type CodeSenderFunc func(ctx context.Context, actorID, code string) error

// Send calls f.
func (f CodeSenderFunc) Send(ctx context.Context, actorID, code string) error {
	return f(ctx, actorID, code)
}
