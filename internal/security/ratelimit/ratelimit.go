// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit throttles credential-related actions per identifier.
//
// Each (identifier, action) pair gets a token bucket holding Max tokens
// that refills over Window. Actions without a configured Rule are not
// limited.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Actions consulted before credential handling.
const (
	ActionLogin     = "login"
	ActionSignup    = "signup"
	ActionOTPSend   = "otp_send"
	ActionOTPVerify = "otp_verify"
)

// ErrRateLimited indicates the caller exhausted its budget for an action.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rule allows Max requests per Window.
type Rule struct {
	Max    int           `toml:"max" json:"max"`
	Window time.Duration `toml:"window" json:"window"`
}

// DefaultRules returns the built-in limits.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionLogin:     {Max: 5, Window: 15 * time.Minute},
		ActionSignup:    {Max: 3, Window: time.Hour},
		ActionOTPSend:   {Max: 3, Window: 10 * time.Minute},
		ActionOTPVerify: {Max: 5, Window: 10 * time.Minute},
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed set of token buckets.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		l.now = fn
	}
}

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = d
	}
}

// New creates a limiter. Rules with a non-positive Max or Window are
// ignored.
func New(rules map[string]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		rules:   make(map[string]Rule, len(rules)),
		buckets: make(map[string]*bucket),
		ttl:     time.Hour,
		now:     time.Now,
	}
	for action, r := range rules {
		if r.Max > 0 && r.Window > 0 {
			l.rules[action] = r
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	// Buckets idle for longer than a full window are already full; keep
	// them at least that long so dropping one never resets a partial state.
	for _, r := range l.rules {
		if r.Window > l.ttl {
			l.ttl = r.Window
		}
	}
	return l
}

// CheckAndIncrement consumes one request for identifier and action,
// returning ErrRateLimited when the budget is spent.
func (l *Limiter) CheckAndIncrement(identifier, action string) error {
	if l.Allow(identifier, action) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, action)
}

// Allow consumes one request and reports whether it was within budget.
func (l *Limiter) Allow(identifier, action string) bool {
	rule, ok := l.rules[action]
	if !ok {
		return true
	}

	now := l.now()
	key := action + "\x00" + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		every := rule.Window / time.Duration(rule.Max)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), rule.Max)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.cleanupLocked(now)

	return b.lim.AllowN(now, 1)
}

// Reset forgets the bucket for identifier and action, e.g. after a
// successful login.
func (l *Limiter) Reset(identifier, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, action+"\x00"+identifier)
}

// Rule returns the configured rule for action.
func (l *Limiter) Rule(action string) (Rule, bool) {
	r, ok := l.rules[action]
	return r, ok
}

// cleanupLocked removes idle buckets.
// SECURITY: Prevents memory exhaustion from unbounded identifier sets.
func (l *Limiter) cleanupLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
