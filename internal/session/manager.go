// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/security/audit"
	"github.com/jeranaias/kavach/internal/security/auth"
	"github.com/jeranaias/kavach/internal/security/device"
	"github.com/jeranaias/kavach/internal/security/ratelimit"
)

// =============================================================================
// CONSTANTS & ERRORS
// =============================================================================

// Audit event names written by the manager.
const (
	EventStart       = "SESSION_START"
	EventStartFailed = "SESSION_START_FAILED"
	EventTerminated  = "SESSION_TERMINATED"
	EventEnd         = "SESSION_END"
)

// Termination reasons.
const (
	ReasonTrustFailed     = "trust_verification_failed"
	ReasonLowTrust        = "low_trust"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonBaselineRemoved = "baseline_removed"
	ReasonMonitorFailed   = "monitor_failed"
	ReasonInterrupted     = "interrupted"
)

var (
	// ErrTrustVerificationFailed indicates the device failed verification.
	ErrTrustVerificationFailed = errors.New("device trust verification failed")
	// ErrSessionActive indicates Start was called with a session running.
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession indicates no session is running.
	ErrNoSession = errors.New("no active session")
	// ErrSessionTerminated is returned by Wait after a forced termination.
	ErrSessionTerminated = errors.New("session terminated")
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Keys derives and destroys the actor's key material.
type Keys interface {
	Initialize(ctx context.Context, credential, actorID string) error
	DestroyAllKeys()
}

// Trust verifies the device and exposes the latest score.
type Trust interface {
	VerifyActor(ctx context.Context, actorID string) (bool, error)
	TrustScore() int
	Reset()
}

// Limiter gates login attempts.
type Limiter interface {
	CheckAndIncrement(identifier, action string) error
}

// Overrides is the part of the permission engine a session clears.
type Overrides interface {
	RevokeAll()
}

// Ledger records session events and syncs its offline queue.
type Ledger interface {
	Log(ctx context.Context, action string, metadata any, actorID string) (audit.Entry, error)
	RunSync(ctx context.Context, interval time.Duration)
}

// Deps are the services a Manager drives. Verifier and Overrides are
// optional.
type Deps struct {
	Keys      Keys
	Trust     Trust
	Limiter   Limiter
	Ledger    Ledger
	Verifier  auth.CodeVerifier
	Overrides Overrides
}

// Credentials are presented at login.
type Credentials struct {
	ActorID    string
	Role       access.Role
	Credential string
	OTPCode    string
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns at most one active session.
type Manager struct {
	deps Deps

	monitorInterval time.Duration
	syncInterval    time.Duration
	idleTimeout     time.Duration
	watchDir        string
	now             func() time.Time
	logger          zerolog.Logger
	onLogout        func(reason string)

	mu           sync.Mutex
	active       bool
	sessionID    string
	actorID      string
	role         access.Role
	startTime    time.Time
	lastActivity time.Time
	termReason   string
	cancel       context.CancelFunc
	group        *errgroup.Group
	done         chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithMonitorInterval sets how often trust is re-verified.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.monitorInterval = d
	}
}

// WithSyncInterval sets how often the audit queue is flushed.
func WithSyncInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.syncInterval = d
	}
}

// WithIdleTimeout terminates sessions idle for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithBaselineWatch triggers an immediate trust check whenever a file in
// dir changes.
func WithBaselineWatch(dir string) Option {
	return func(m *Manager) {
		m.watchDir = dir
	}
}

// WithLogoutHook is called after a forced termination.
func WithLogoutHook(fn func(reason string)) Option {
	return func(m *Manager) {
		m.onLogout = fn
	}
}

// WithClock replaces time.Now for idle tracking.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		m.now = fn
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager over deps.
func NewManager(deps Deps, opts ...Option) *Manager {
	m := &Manager{
		deps:            deps,
		monitorInterval: 30 * time.Second,
		syncInterval:    time.Minute,
		idleTimeout:     15 * time.Minute,
		now:             time.Now,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start authenticates the actor and begins monitoring. The background
// loops stop when End is called or the session is terminated. Cancelling
// ctx terminates the session with ReasonInterrupted.
func (m *Manager) Start(ctx context.Context, creds Credentials) (Status, error) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return Status{}, ErrSessionActive
	}
	m.mu.Unlock()

	actorID := creds.ActorID
	if err := m.deps.Limiter.CheckAndIncrement(actorID, ratelimit.ActionLogin); err != nil {
		m.startFailed(ctx, actorID, "rate_limited")
		return Status{}, err
	}

	if m.deps.Verifier != nil {
		if err := m.deps.Limiter.CheckAndIncrement(actorID, ratelimit.ActionOTPVerify); err != nil {
			m.startFailed(ctx, actorID, "rate_limited")
			return Status{}, err
		}
		ok, err := m.deps.Verifier.Verify(ctx, actorID, creds.OTPCode)
		if err != nil || !ok {
			m.startFailed(ctx, actorID, "otp_rejected")
			if err != nil {
				return Status{}, fmt.Errorf("%w: %w", auth.ErrOTPNotVerified, err)
			}
			return Status{}, auth.ErrOTPNotVerified
		}
	}

	if err := m.deps.Keys.Initialize(ctx, creds.Credential, actorID); err != nil {
		m.startFailed(ctx, actorID, "key_derivation")
		return Status{}, fmt.Errorf("initialize keys: %w", err)
	}

	// SECURITY: Fail closed. No keys survive a failed device check.
	ok, err := m.deps.Trust.VerifyActor(ctx, actorID)
	if err != nil || !ok {
		m.deps.Keys.DestroyAllKeys()
		m.logEvent(ctx, EventTerminated, actorID, map[string]any{
			"reason":      ReasonTrustFailed,
			"trust_score": m.deps.Trust.TrustScore(),
		})
		if err != nil {
			return Status{}, fmt.Errorf("%w: %w", ErrTrustVerificationFailed, err)
		}
		return Status{}, ErrTrustVerificationFailed
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	now := m.now()

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		cancel()
		return Status{}, ErrSessionActive
	}
	m.active = true
	m.sessionID = uuid.NewString()
	m.actorID = actorID
	m.role = creds.Role
	m.startTime = now
	m.lastActivity = now
	m.termReason = ""
	m.cancel = cancel
	m.group = g
	m.done = make(chan struct{})
	sessionID := m.sessionID
	m.mu.Unlock()

	m.logEvent(ctx, EventStart, actorID, map[string]any{
		"session_id":  sessionID,
		"role":        creds.Role,
		"trust_score": m.deps.Trust.TrustScore(),
	})
	m.logger.Info().Str("actor", actorID).Str("session", sessionID).Msg("session started")

	trigger := make(chan struct{}, 1)
	g.Go(func() error {
		m.deps.Ledger.RunSync(gctx, m.syncInterval)
		return nil
	})
	g.Go(func() error {
		return m.monitor(gctx, actorID, trigger)
	})
	if m.watchDir != "" {
		g.Go(func() error {
			return m.watch(gctx, actorID, trigger)
		})
	}

	done := m.done
	go func() {
		// SECURITY: Loops that stop while the session is still active
		// leave it unmonitored, so the session ends with them.
		reason := ReasonInterrupted
		if err := g.Wait(); err != nil {
			m.logger.Error().Err(err).Msg("session monitor failed")
			reason = ReasonMonitorFailed
		}
		m.terminate(context.WithoutCancel(ctx), sessionID, reason)
		close(done)
	}()

	return m.Status(), nil
}

func (m *Manager) startFailed(ctx context.Context, actorID, reason string) {
	m.logger.Warn().Str("actor", actorID).Str("reason", reason).Msg("session start refused")
	m.logEvent(ctx, EventStartFailed, actorID, map[string]any{"reason": reason})
}

// =============================================================================
// MONITOR
// =============================================================================

func (m *Manager) monitor(ctx context.Context, actorID string, trigger <-chan struct{}) error {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
		if reason := m.Check(ctx, actorID); reason != "" {
			m.Terminate(ctx, reason)
			return nil
		}
	}
}

// Check re-verifies the device and the idle timer, returning the reason
// the session must end or "" if it may continue.
func (m *Manager) Check(ctx context.Context, actorID string) string {
	if m.idleTimeout > 0 && m.IdleTime() >= m.idleTimeout {
		return ReasonIdleTimeout
	}
	ok, err := m.deps.Trust.VerifyActor(ctx, actorID)
	if err != nil {
		m.logger.Error().Err(err).Msg("trust re-verification failed")
		return ReasonTrustFailed
	}
	if !ok || m.deps.Trust.TrustScore() < access.MinTrustScore {
		return ReasonLowTrust
	}
	return ""
}

func (m *Manager) watch(ctx context.Context, actorID string, trigger chan<- struct{}) error {
	if err := os.MkdirAll(m.watchDir, 0700); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(m.watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", m.watchDir, err)
	}

	baseline := device.BaselineKey(actorID) + ".json"
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("baseline watcher error")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".tmp-") {
				continue
			}
			// SECURITY: A deleted baseline would be re-bound on the next
			// check, so removal ends the session instead.
			if name == baseline && ev.Has(fsnotify.Remove) {
				m.Terminate(ctx, ReasonBaselineRemoved)
				return nil
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	}
}

// =============================================================================
// TERMINATION
// =============================================================================

// Terminate force-ends the session: keys are destroyed, overrides
// revoked, the event audited and the logout hook called. It is safe to
// call from any goroutine and more than once.
func (m *Manager) Terminate(ctx context.Context, reason string) {
	m.terminate(ctx, "", reason)
}

// terminate ends the session identified by sessionID, or whichever
// session is active when sessionID is empty.
func (m *Manager) terminate(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	if !m.active || (sessionID != "" && sessionID != m.sessionID) {
		m.mu.Unlock()
		return
	}
	actorID := m.actorID
	sessionID = m.sessionID
	m.termReason = reason
	m.teardownLocked()
	hook := m.onLogout
	m.mu.Unlock()

	m.logEvent(context.WithoutCancel(ctx), EventTerminated, actorID, map[string]any{
		"session_id":  sessionID,
		"reason":      reason,
		"trust_score": m.deps.Trust.TrustScore(),
	})
	m.logger.Warn().Str("actor", actorID).Str("reason", reason).Msg("session terminated")

	if hook != nil {
		hook(reason)
	}
}

// End is a normal logout.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNoSession
	}
	actorID, sessionID := m.actorID, m.sessionID
	started := m.startTime
	done := m.done
	m.teardownLocked()
	m.mu.Unlock()

	<-done

	m.logEvent(ctx, EventEnd, actorID, map[string]any{
		"session_id": sessionID,
		"duration":   FormatDuration(m.now().Sub(started)),
	})
	m.logger.Info().Str("actor", actorID).Str("session", sessionID).Msg("session ended")
	return nil
}

func (m *Manager) teardownLocked() {
	m.active = false
	m.cancel()
	m.deps.Keys.DestroyAllKeys()
	m.deps.Trust.Reset()
	if m.deps.Overrides != nil {
		m.deps.Overrides.RevokeAll()
	}
}

// Wait blocks until the background loops exit. It returns
// ErrSessionTerminated wrapped with the reason after a forced
// termination, the first loop error if any, and nil after End.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g, done := m.group, m.done
	m.mu.Unlock()
	if g == nil {
		return ErrNoSession
	}

	<-done
	err := g.Wait()

	m.mu.Lock()
	reason := m.termReason
	m.mu.Unlock()
	if reason != "" {
		return fmt.Errorf("%w: %s", ErrSessionTerminated, reason)
	}
	return err
}

func (m *Manager) logEvent(ctx context.Context, event, actorID string, md map[string]any) {
	if _, err := m.deps.Ledger.Log(ctx, event, md, actorID); err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("failed to audit session event")
	}
}

// =============================================================================
// ACTIVITY & STATUS
// =============================================================================

// RecordActivity resets the idle timer.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
}

// IdleTime returns how long since last activity.
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastActivity)
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Actor returns the session's actor.
func (m *Manager) Actor() access.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return access.Actor{ID: m.actorID, Role: m.role}
}

// Status represents the current session status.
type Status struct {
	SessionID     string        `json:"session_id"`
	ActorID       string        `json:"actor_id"`
	Role          access.Role   `json:"role"`
	Active        bool          `json:"active"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	IdleTime      time.Duration `json:"idle_time"`
	RemainingTime time.Duration `json:"remaining_time"`
	TrustScore    int           `json:"trust_score"`
	EndReason     string        `json:"end_reason,omitempty"`
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	idle := now.Sub(m.lastActivity)
	remaining := m.idleTimeout - idle
	if remaining < 0 || m.idleTimeout == 0 {
		remaining = 0
	}
	return Status{
		SessionID:     m.sessionID,
		ActorID:       m.actorID,
		Role:          m.role,
		Active:        m.active,
		StartTime:     m.startTime,
		Duration:      now.Sub(m.startTime),
		IdleTime:      idle,
		RemainingTime: remaining,
		TrustScore:    m.deps.Trust.TrustScore(),
		EndReason:     m.termReason,
	}
}

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dm %ds", mins, secs)
}
