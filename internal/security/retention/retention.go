// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retention decides when records may be destroyed and destroys
// them by discarding their keys.
//
// A legal hold always blocks deletion. Inside the retention window only
// an admin may force early deletion. Every decision is audited.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kavach/internal/security/access"
)

// PolicyClass selects a retention period.
type PolicyClass string

const (
	ClassStandardLogs      PolicyClass = "standard_logs"
	ClassCriminalEvidence  PolicyClass = "criminal_evidence"
	ClassCommunicationMeta PolicyClass = "communication_meta"
	ClassTemporaryCache    PolicyClass = "temporary_cache"
)

// DefaultSchedule returns retention periods in days.
func DefaultSchedule() map[PolicyClass]int {
	return map[PolicyClass]int{
		ClassStandardLogs:      730,
		ClassCriminalEvidence:  3650,
		ClassCommunicationMeta: 365,
		ClassTemporaryCache:    7,
	}
}

// Audit event names written by the engine.
const (
	EventBlocked        = "RETENTION_BLOCKED"
	EventAdminOverride  = "ADMIN_EARLY_DELETION_OVERRIDE"
	EventDeleteApproved = "RETENTION_DELETE_APPROVED"
	EventDestruction    = "DATA_DESTRUCTION"
	EventRecordStored   = "RECORD_STORED"
	EventLegalHoldSet   = "LEGAL_HOLD_SET"
)

// Reason explains a blocked deletion.
type Reason string

const (
	ReasonLegalHold       Reason = "legal_hold"
	ReasonRetentionActive Reason = "retention_active"
)

var (
	// ErrRetentionBlocked is the sentinel wrapped by RetentionBlockedError.
	ErrRetentionBlocked = errors.New("retention blocked")
	// ErrUnknownPolicy indicates a policy class with no schedule entry.
	ErrUnknownPolicy = errors.New("unknown retention policy class")
)

// RetentionBlockedError carries the reason a deletion was refused.
type RetentionBlockedError struct {
	Reason    Reason
	ExpiresAt time.Time
}

func (e *RetentionBlockedError) Error() string {
	if e.Reason == ReasonRetentionActive {
		return fmt.Sprintf("retention blocked: %s until %s", e.Reason, e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("retention blocked: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrRetentionBlocked.
func (e *RetentionBlockedError) Unwrap() error {
	return ErrRetentionBlocked
}

// Shredder makes a record unreadable by discarding its key.
type Shredder interface {
	Shred(ctx context.Context, recordID string) error
}

// Engine applies the retention schedule.
type Engine struct {
	recorder access.Recorder
	shredder Shredder
	schedule map[PolicyClass]int
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchedule overrides retention days per class. Classes not listed
// keep their defaults.
func WithSchedule(days map[PolicyClass]int) Option {
	return func(e *Engine) {
		for c, d := range days {
			e.schedule[c] = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		e.now = fn
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine auditing to recorder and destroying
// records through shredder.
func NewEngine(recorder access.Recorder, shredder Shredder, opts ...Option) *Engine {
	e := &Engine{
		recorder: recorder,
		shredder: shredder,
		schedule: DefaultSchedule(),
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ParsePolicyClass validates a policy class name.
func (e *Engine) ParsePolicyClass(s string) (PolicyClass, error) {
	c := PolicyClass(s)
	if _, ok := e.schedule[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return c, nil
}

// Schedule returns a copy of the retention days per class.
func (e *Engine) Schedule() map[PolicyClass]int {
	out := make(map[PolicyClass]int, len(e.schedule))
	for c, d := range e.schedule {
		out[c] = d
	}
	return out
}

// ExpiresAt returns when a record of class created at created leaves
// retention.
func (e *Engine) ExpiresAt(class PolicyClass, created time.Time) (time.Time, error) {
	days, ok := e.schedule[class]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, class)
	}
	return created.AddDate(0, 0, days), nil
}

// CanDelete returns nil when actor may delete the record, otherwise a
// *RetentionBlockedError. Every outcome is audited.
func (e *Engine) CanDelete(ctx context.Context, class PolicyClass, created time.Time, legalHold bool, actor access.Actor) error {
	md := map[string]any{
		"policy_class": class,
		"created_at":   created.UTC().Format(time.RFC3339),
		"role":         actor.Role,
	}

	if legalHold {
		md["reason"] = ReasonLegalHold
		e.record(ctx, EventBlocked, actor.ID, md)
		return &RetentionBlockedError{Reason: ReasonLegalHold}
	}

	expires, err := e.ExpiresAt(class, created)
	if err != nil {
		return err
	}
	md["expires_at"] = expires.UTC().Format(time.RFC3339)

	if e.now().Before(expires) {
		if actor.Role == access.RoleAdmin {
			e.record(ctx, EventAdminOverride, actor.ID, md)
			return nil
		}
		md["reason"] = ReasonRetentionActive
		e.record(ctx, EventBlocked, actor.ID, md)
		return &RetentionBlockedError{Reason: ReasonRetentionActive, ExpiresAt: expires}
	}

	e.record(ctx, EventDeleteApproved, actor.ID, md)
	return nil
}

// SecureDelete shreds the record's key and records the destruction.
func (e *Engine) SecureDelete(ctx context.Context, recordID string, class PolicyClass, actorID string) error {
	if err := e.shredder.Shred(ctx, recordID); err != nil {
		return fmt.Errorf("shred %s: %w", recordID, err)
	}
	if _, err := e.recorder.Log(ctx, EventDestruction, map[string]any{
		"record_id":    recordID,
		"policy_class": class,
		"method":       "crypto_shred",
	}, actorID); err != nil {
		return fmt.Errorf("audit destruction: %w", err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, event, actorID string, md map[string]any) {
	if _, err := e.recorder.Log(ctx, event, md, actorID); err != nil {
		e.logger.Error().Err(err).Str("event", event).Msg("failed to audit retention decision")
	}
}
