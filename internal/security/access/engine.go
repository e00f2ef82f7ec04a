// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/kavach/internal/security/audit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MinTrustScore is the lowest device trust score allowed to act.
	MinTrustScore = 60
	// BreakGlassTTL is how long a break-glass override lasts.
	BreakGlassTTL = 5 * time.Minute
)

// Audit event names written by the engine.
const (
	EventPermissionDenied   = "PERMISSION_DENIED"
	EventCriticalAttempt    = "CRITICAL_ACTION_ATTEMPT"
	EventEmergencyExpansion = "EMERGENCY_EXPANSION"
	EventBreakGlassInit     = "BREAK_GLASS_INIT"
	EventBreakGlassUse      = "BREAK_GLASS_USE"
)

// Reason explains a denial.
type Reason string

const (
	ReasonUnknownRole  Reason = "unknown_role"
	ReasonRoleMismatch Reason = "role_mismatch"
	ReasonLowTrust     Reason = "low_trust"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPermissionDenied is the sentinel wrapped by PermissionDeniedError.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrJustificationRequired indicates a break-glass request without a reason.
	ErrJustificationRequired = errors.New("break-glass requires a justification")
)

// PermissionDeniedError carries the reason for a denial.
type PermissionDeniedError struct {
	Reason Reason
	Role   Role
	Action Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s (role=%s action=%s)", e.Reason, e.Role, e.Action)
}

// Unwrap lets errors.Is match ErrPermissionDenied.
func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// =============================================================================
// TYPES
// =============================================================================

// Actor is the subject of a decision.
type Actor struct {
	ID   string
	Role Role
}

// Env is the per-call context of a decision.
type Env struct {
	IsEmergency bool
}

// Recorder receives audit events. *audit.Ledger satisfies it.
type Recorder interface {
	Log(ctx context.Context, action string, metadata any, actorID string) (audit.Entry, error)
}

// TrustSource supplies the current device trust score.
type TrustSource interface {
	TrustScore() int
}

// TrustFunc adapts a function to TrustSource.
type TrustFunc func() int

// TrustScore calls f.
func (f TrustFunc) TrustScore() int { return f() }

// EmergencyGrants decides whether an emergency widens role's permissions
// to include action. It is consulted only when Env.IsEmergency is set.
type EmergencyGrants func(role Role, action Action) bool

// Override is an active break-glass grant.
type Override struct {
	ID            string    `json:"id"`
	ActorID       string    `json:"actor_id"`
	Action        Action    `json:"action"`
	Justification string    `json:"justification"`
	GrantedAt     time.Time `json:"granted_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine evaluates permissions and holds break-glass overrides.
type Engine struct {
	recorder Recorder
	trust    TrustSource
	grants   EmergencyGrants
	now      func() time.Time
	logger   zerolog.Logger

	mu        sync.Mutex
	overrides map[string]Override
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEmergencyGrants installs the emergency expansion hook.
func WithEmergencyGrants(g EmergencyGrants) EngineOption {
	return func(e *Engine) {
		e.grants = g
	}
}

// WithClock replaces time.Now for override expiry.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = fn
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine auditing to recorder and reading trust
// from trust.
func NewEngine(recorder Recorder, trust TrustSource, opts ...EngineOption) *Engine {
	e := &Engine{
		recorder:  recorder,
		trust:     trust,
		now:       time.Now,
		logger:    zerolog.Nop(),
		overrides: make(map[string]Override),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Can reports whether actor may perform action.
func (e *Engine) Can(ctx context.Context, actor Actor, action Action, env Env) bool {
	return e.Authorize(ctx, actor, action, env) == nil
}

// Authorize returns nil when actor may perform action, otherwise a
// *PermissionDeniedError. Denials are audited before returning.
func (e *Engine) Authorize(ctx context.Context, actor Actor, action Action, env Env) error {
	if !actor.Role.Valid() {
		return e.deny(ctx, actor, action, ReasonUnknownRole, nil)
	}

	var via string
	if !Allows(actor.Role, action) {
		switch {
		case e.HasOverride(actor.ID, action):
			via = "break_glass"
		case env.IsEmergency && e.grants != nil && e.grants(actor.Role, action):
			via = "emergency"
		default:
			return e.deny(ctx, actor, action, ReasonRoleMismatch, nil)
		}
	}

	score := e.trust.TrustScore()
	if score < MinTrustScore {
		return e.deny(ctx, actor, action, ReasonLowTrust, map[string]any{"trust_score": score})
	}

	switch via {
	case "break_glass":
		e.record(ctx, EventBreakGlassUse, actor, map[string]any{
			"action":  action,
			"role":    actor.Role,
			"flagged": true,
		})
	case "emergency":
		e.record(ctx, EventEmergencyExpansion, actor, map[string]any{
			"action": action,
			"role":   actor.Role,
		})
	}

	if IsCritical(action) {
		e.record(ctx, EventCriticalAttempt, actor, map[string]any{
			"action":      action,
			"role":        actor.Role,
			"trust_score": score,
			"emergency":   env.IsEmergency,
		})
	}
	return nil
}

func (e *Engine) deny(ctx context.Context, actor Actor, action Action, reason Reason, extra map[string]any) error {
	md := map[string]any{
		"action": action,
		"role":   actor.Role,
		"reason": reason,
	}
	for k, v := range extra {
		md[k] = v
	}
	e.record(ctx, EventPermissionDenied, actor, md)

	if IsCritical(action) {
		e.record(ctx, EventCriticalAttempt, actor, map[string]any{
			"action": action,
			"role":   actor.Role,
			"denied": reason,
		})
	}
	return &PermissionDeniedError{Reason: reason, Role: actor.Role, Action: action}
}

// record writes an audit event. A failure is logged; the decision stands.
func (e *Engine) record(ctx context.Context, event string, actor Actor, md map[string]any) {
	if _, err := e.recorder.Log(ctx, event, md, actor.ID); err != nil {
		e.logger.Error().Err(err).Str("event", event).Msg("failed to audit access decision")
	}
}

// =============================================================================
// BREAK-GLASS
// =============================================================================

func overrideKey(actorID string, action Action) string {
	return actorID + "\x00" + string(action)
}

// BreakGlass grants actor a five-minute override for exactly action. The
// grant is audited first; if auditing fails nothing is granted.
func (e *Engine) BreakGlass(ctx context.Context, actor Actor, action Action, justification string) (Override, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Override{}, ErrJustificationRequired
	}
	if !actor.Role.Valid() {
		return Override{}, e.deny(ctx, actor, action, ReasonUnknownRole, nil)
	}

	now := e.now()
	ov := Override{
		ID:            uuid.NewString(),
		ActorID:       actor.ID,
		Action:        action,
		Justification: justification,
		GrantedAt:     now,
		ExpiresAt:     now.Add(BreakGlassTTL),
	}

	if _, err := e.recorder.Log(ctx, EventBreakGlassInit, map[string]any{
		"override_id":   ov.ID,
		"action":        action,
		"role":          actor.Role,
		"justification": justification,
		"expires_at":    ov.ExpiresAt.UTC().Format(time.RFC3339),
		"flagged":       true,
	}, actor.ID); err != nil {
		return Override{}, fmt.Errorf("audit break-glass: %w", err)
	}

	e.mu.Lock()
	e.overrides[overrideKey(actor.ID, action)] = ov
	e.mu.Unlock()

	e.logger.Warn().Str("actor", actor.ID).Str("action", string(action)).Msg("break-glass override granted")
	return ov, nil
}

// HasOverride reports whether actorID holds an unexpired override for
// action.
func (e *Engine) HasOverride(actorID string, action Action) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := overrideKey(actorID, action)
	ov, ok := e.overrides[key]
	if !ok {
		return false
	}
	if !e.now().Before(ov.ExpiresAt) {
		delete(e.overrides, key)
		return false
	}
	return true
}

// ActiveOverrides returns unexpired overrides, oldest first. An empty
// actorID returns every actor's overrides.
func (e *Engine) ActiveOverrides(actorID string) []Override {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var out []Override
	for key, ov := range e.overrides {
		if !now.Before(ov.ExpiresAt) {
			delete(e.overrides, key)
			continue
		}
		if actorID == "" || ov.ActorID == actorID {
			out = append(out, ov)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

// RevokeAll drops every override. Used when a session ends.
func (e *Engine) RevokeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides = make(map[string]Override)
}

// Rank returns the role's rank.
func (e *Engine) Rank(r Role) int { return Rank(r) }

// CanOverride reports whether actorRole strictly outranks targetRole.
func (e *Engine) CanOverride(actorRole, targetRole Role) bool { return CanOverride(actorRole, targetRole) }
