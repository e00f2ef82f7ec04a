// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_ExhaustsAndRefills(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(map[string]Rule{ActionLogin: {Max: 3, Window: 3 * time.Minute}}, WithClock(c.now))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckAndIncrement("officer-1", ActionLogin), "attempt %d", i)
	}
	err := l.CheckAndIncrement("officer-1", ActionLogin)
	require.ErrorIs(t, err, ErrRateLimited)

	// Other identifiers have their own budget.
	require.NoError(t, l.CheckAndIncrement("officer-2", ActionLogin))

	// One token per minute.
	c.advance(time.Minute + time.Second)
	require.NoError(t, l.CheckAndIncrement("officer-1", ActionLogin))
	require.ErrorIs(t, l.CheckAndIncrement("officer-1", ActionLogin), ErrRateLimited)
}

func TestLimiter_UnconfiguredActionIsUnlimited(t *testing.T) {
	l := New(DefaultRules())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("x", "view_messages"))
	}
	assert.Zero(t, l.Len())
}

func TestLimiter_Reset(t *testing.T) {
	l := New(map[string]Rule{ActionOTPVerify: {Max: 1, Window: time.Hour}})
	require.True(t, l.Allow("a", ActionOTPVerify))
	require.False(t, l.Allow("a", ActionOTPVerify))
	l.Reset("a", ActionOTPVerify)
	assert.True(t, l.Allow("a", ActionOTPVerify))
}

func TestLimiter_IdleBucketsAreDropped(t *testing.T) {
	c := &clock{t: time.Now()}
	l := New(map[string]Rule{ActionLogin: {Max: 2, Window: time.Minute}}, WithClock(c.now), WithIdleTTL(time.Minute))

	l.Allow("a", ActionLogin)
	l.Allow("b", ActionLogin)
	assert.Equal(t, 2, l.Len())

	c.advance(2 * time.Minute)
	l.Allow("c", ActionLogin)
	assert.Equal(t, 1, l.Len())
}

func TestNew_IgnoresInvalidRules(t *testing.T) {
	l := New(map[string]Rule{"bad": {Max: 0, Window: time.Minute}, "also": {Max: 1}})
	_, ok := l.Rule("bad")
	assert.False(t, ok)
	_, ok = l.Rule("also")
	assert.False(t, ok)

	r, ok := New(DefaultRules()).Rule(ActionLogin)
	require.True(t, ok)
	assert.Equal(t, 5, r.Max)
}
