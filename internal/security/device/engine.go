// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// =============================================================================
// SCORING
// =============================================================================

const (
	// TrustThreshold is the minimum score for a trusted device.
	TrustThreshold = 60
	// FirstUseTrust is the score assigned when a baseline is first bound.
	FirstUseTrust = 90

	DriftUserAgent  = 40
	DriftCanvas     = 60
	DriftResolution = 10
)

// Drift returns the drift points between a baseline and the current
// signature.
func Drift(stored, current Signature) int {
	drift := 0
	if stored.UserAgent != current.UserAgent {
		drift += DriftUserAgent
	}
	if stored.CanvasHash != current.CanvasHash {
		drift += DriftCanvas
	}
	if stored.ScreenResolution != current.ScreenResolution {
		drift += DriftResolution
	}
	return drift
}

// Score converts drift points to a trust score in [0,100].
func Score(drift int) int {
	s := 100 - drift
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// =============================================================================
// TRUST ENGINE
// =============================================================================

// TrustEngine binds the running host to a per-actor baseline and scores
// drift from it. The score starts at 0 so nothing is trusted before the
// first verification.
type TrustEngine struct {
	probe  Probe
	store  SignatureStore
	logger zerolog.Logger

	once sync.Once
	sig  Signature

	score atomic.Int32
}

// TrustEngineOption configures a TrustEngine.
type TrustEngineOption func(*TrustEngine)

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) TrustEngineOption {
	return func(e *TrustEngine) {
		e.logger = l
	}
}

// NewTrustEngine creates an engine reading the host through probe and
// baselines through store. store may be nil when only VerifyTrust is used.
func NewTrustEngine(probe Probe, store SignatureStore, opts ...TrustEngineOption) *TrustEngine {
	e := &TrustEngine{
		probe:  probe,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot captures the signature on first call and returns the same
// value afterwards.
func (e *TrustEngine) Snapshot() Signature {
	e.once.Do(func() {
		e.sig = e.probe.Collect()
		if e.sig.CanvasHash == "" {
			e.sig.CanvasHash = CanvasUnsupported
		}
	})
	return e.sig
}

// CurrentSignature is an alias for Snapshot.
func (e *TrustEngine) CurrentSignature() Signature {
	return e.Snapshot()
}

// Fingerprint returns the fingerprint of the current signature.
func (e *TrustEngine) Fingerprint() string {
	return e.Snapshot().Fingerprint()
}

// TrustScore returns the most recently computed score.
func (e *TrustEngine) TrustScore() int {
	return int(e.score.Load())
}

// VerifyTrust scores the current signature against stored. A nil stored
// signature is trust on first use.
func (e *TrustEngine) VerifyTrust(stored *Signature) bool {
	current := e.Snapshot()
	if stored == nil {
		e.score.Store(FirstUseTrust)
		return true
	}

	drift := Drift(*stored, current)
	score := Score(drift)
	e.score.Store(int32(score))

	if drift > 0 {
		e.logger.Warn().Int("drift", drift).Int("score", score).Msg("device signature drift")
	}
	return score >= TrustThreshold
}

// VerifyActor verifies the host against the actor's baseline, binding the
// current signature when none exists yet. A store failure scores 0.
func (e *TrustEngine) VerifyActor(ctx context.Context, actorID string) (bool, error) {
	if e.store == nil {
		e.score.Store(0)
		return false, fmt.Errorf("no signature store configured")
	}

	key := BaselineKey(actorID)
	stored, err := e.store.Load(ctx, key)
	if err != nil {
		e.score.Store(0)
		return false, fmt.Errorf("load baseline: %w", err)
	}

	if stored == nil {
		if err := e.store.Save(ctx, key, e.Snapshot()); err != nil {
			e.score.Store(0)
			return false, fmt.Errorf("bind baseline: %w", err)
		}
		e.logger.Info().Str("actor", actorID).Msg("device baseline bound")
	}
	return e.VerifyTrust(stored), nil
}

// Reset drops the score to 0. Used when a session ends.
func (e *TrustEngine) Reset() {
	e.score.Store(0)
}
