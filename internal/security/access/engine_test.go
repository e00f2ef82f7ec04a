// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kavach/internal/security/audit"
)

type recorded struct {
	event   string
	md      map[string]any
	actorID string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
	err    error
}

func (f *fakeRecorder) Log(_ context.Context, action string, metadata any, actorID string) (audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return audit.Entry{}, f.err
	}
	md, _ := metadata.(map[string]any)
	f.events = append(f.events, recorded{event: action, md: md, actorID: actorID})
	return audit.Entry{Action: action}, nil
}

func (f *fakeRecorder) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newEngine(score *int, opts ...EngineOption) (*Engine, *fakeRecorder) {
	rec := &fakeRecorder{}
	return NewEngine(rec, TrustFunc(func() int { return *score }), opts...), rec
}

func TestParseRole(t *testing.T) {
	for _, r := range Roles() {
		got, err := ParseRole(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	got, err := ParseRole("  DSP ")
	require.NoError(t, err)
	assert.Equal(t, RoleDSP, got)

	_, err = ParseRole("superuser")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestRanks(t *testing.T) {
	assert.True(t, CanOverride(RoleAdmin, RoleDSP))
	assert.True(t, CanOverride(RoleDSP, RoleInspector))
	assert.True(t, CanOverride(RoleInspector, RoleConstable))
	assert.False(t, CanOverride(RoleInspector, RoleControlRoom))
	assert.False(t, CanOverride(RoleOfficer, RoleOfficer))
	assert.False(t, CanOverride(RoleConstable, RoleAdmin))
	assert.Equal(t, 0, Rank(Role("ghost")))

	for _, r := range Roles() {
		assert.Positive(t, Rank(r), r)
	}
}

func TestEngine_OfficerCannotRemoteWipe(t *testing.T) {
	for _, score := range []int{0, 59, 60, 90, 100} {
		score := score
		e, rec := newEngine(&score)
		actor := Actor{ID: "officer-1", Role: RoleOfficer}

		err := e.Authorize(context.Background(), actor, ActionRemoteWipe, Env{IsEmergency: false})
		var denied *PermissionDeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, ReasonRoleMismatch, denied.Reason)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Contains(t, rec.names(), EventPermissionDenied)
		assert.False(t, e.Can(context.Background(), actor, ActionRemoteWipe, Env{IsEmergency: true}))
	}
}

func TestEngine_TrustBoundary(t *testing.T) {
	ctx := context.Background()
	actor := Actor{ID: "dsp-1", Role: RoleDSP}

	score := 59
	e, rec := newEngine(&score)
	err := e.Authorize(ctx, actor, ActionActivateEmergency, Env{})
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonLowTrust, denied.Reason)
	assert.Equal(t, EventPermissionDenied, rec.events[0].event)
	assert.Equal(t, ReasonLowTrust, rec.events[0].md["reason"])
	assert.Equal(t, 59, rec.events[0].md["trust_score"])

	score = 60
	e, rec = newEngine(&score)
	require.NoError(t, e.Authorize(ctx, actor, ActionActivateEmergency, Env{}))
	assert.Equal(t, []string{EventCriticalAttempt}, rec.names())
}

func TestEngine_GatingTable(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		action Action
		score  int
		want   Reason
	}{
		{"constable messages", RoleConstable, ActionSendMessage, 100, ""},
		{"constable creates case", RoleConstable, ActionCreateCase, 100, ReasonRoleMismatch},
		{"officer creates case", RoleOfficer, ActionCreateCase, 80, ""},
		{"inspector tor traffic", RoleInspector, ActionViewTorTraffic, 60, ""},
		{"inspector low trust", RoleInspector, ActionViewTorTraffic, 40, ReasonLowTrust},
		{"control room emergency", RoleControlRoom, ActionActivateEmergency, 100, ""},
		{"dispatcher wipe", RoleDispatcher, ActionRemoteWipe, 100, ReasonRoleMismatch},
		{"admin wipe", RoleAdmin, ActionRemoteWipe, 100, ""},
		{"support reset", RoleSupport, ActionResetDevice, 100, ""},
		{"unknown role", Role("mayor"), ActionSendMessage, 100, ReasonUnknownRole},
		{"role mismatch wins over low trust", RoleConstable, ActionRemoteWipe, 0, ReasonRoleMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := tt.score
			e, rec := newEngine(&score)
			err := e.Authorize(context.Background(), Actor{ID: "a", Role: tt.role}, tt.action, Env{})
			if tt.want == "" {
				require.NoError(t, err)
				assert.NotContains(t, rec.names(), EventPermissionDenied)
				return
			}
			var denied *PermissionDeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tt.want, denied.Reason)
			assert.Contains(t, rec.names(), EventPermissionDenied)
		})
	}
}

func TestEngine_CriticalLoggedOnSuccess(t *testing.T) {
	score := 100
	e, rec := newEngine(&score)
	require.True(t, e.Can(context.Background(), Actor{ID: "admin", Role: RoleAdmin}, ActionDeleteEvidence, Env{}))
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventCriticalAttempt, rec.events[0].event)
	assert.Equal(t, "admin", rec.events[0].actorID)

	rec.events = nil
	require.True(t, e.Can(context.Background(), Actor{ID: "admin", Role: RoleAdmin}, ActionSendMessage, Env{}))
	assert.Empty(t, rec.events)
}

func TestEngine_EmergencyExpansion(t *testing.T) {
	ctx := context.Background()
	score := 100
	actor := Actor{ID: "insp", Role: RoleInspector}

	// No hook: emergencies do not widen anything.
	e, _ := newEngine(&score)
	assert.False(t, e.Can(ctx, actor, ActionBroadcastAlert, Env{IsEmergency: true}))

	grants := func(r Role, a Action) bool {
		return Rank(r) >= Rank(RoleInspector) && a == ActionBroadcastAlert
	}
	e, rec := newEngine(&score, WithEmergencyGrants(grants))
	assert.False(t, e.Can(ctx, actor, ActionBroadcastAlert, Env{IsEmergency: false}))
	assert.True(t, e.Can(ctx, actor, ActionBroadcastAlert, Env{IsEmergency: true}))
	assert.Contains(t, rec.names(), EventEmergencyExpansion)

	// The trust gate still applies.
	score = 10
	assert.False(t, e.Can(ctx, actor, ActionBroadcastAlert, Env{IsEmergency: true}))
}

func TestEngine_BreakGlass(t *testing.T) {
	ctx := context.Background()
	score := 100
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e, rec := newEngine(&score, WithClock(clock.Now))
	actor := Actor{ID: "officer-3", Role: RoleOfficer}

	require.False(t, e.Can(ctx, actor, ActionDeleteEvidence, Env{}))

	ov, err := e.BreakGlass(ctx, actor, ActionDeleteEvidence, "suspect escaping with device, evidence at risk")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), ov.ExpiresAt)
	assert.NotEmpty(t, ov.ID)

	active := e.ActiveOverrides(actor.ID)
	require.Len(t, active, 1)
	assert.Equal(t, ActionDeleteEvidence, active[0].Action)

	rec.events = nil
	require.True(t, e.Can(ctx, actor, ActionDeleteEvidence, Env{}))
	assert.Equal(t, []string{EventBreakGlassUse, EventCriticalAttempt}, rec.names())

	// Only the exact action is granted.
	assert.False(t, e.Can(ctx, actor, ActionRemoteWipe, Env{}))

	// Trust gate still applies.
	score = 30
	assert.False(t, e.Can(ctx, actor, ActionDeleteEvidence, Env{}))
	score = 100

	clock.Advance(4*time.Minute + 59*time.Second)
	assert.True(t, e.HasOverride(actor.ID, ActionDeleteEvidence))

	clock.Advance(time.Second)
	assert.False(t, e.HasOverride(actor.ID, ActionDeleteEvidence))
	assert.Empty(t, e.ActiveOverrides(actor.ID))
	assert.False(t, e.Can(ctx, actor, ActionDeleteEvidence, Env{}))
}

func TestEngine_BreakGlassAuditedFirst(t *testing.T) {
	ctx := context.Background()
	score := 100
	e, rec := newEngine(&score)
	actor := Actor{ID: "o", Role: RoleOfficer}

	_, err := e.BreakGlass(ctx, actor, ActionRemoteWipe, "   ")
	require.ErrorIs(t, err, ErrJustificationRequired)

	rec.err = errors.New("ledger unavailable")
	_, err = e.BreakGlass(ctx, actor, ActionRemoteWipe, "device stolen")
	require.Error(t, err)
	assert.False(t, e.HasOverride(actor.ID, ActionRemoteWipe))

	rec.err = nil
	_, err = e.BreakGlass(ctx, actor, ActionRemoteWipe, "device stolen")
	require.NoError(t, err)
	require.NotEmpty(t, rec.events)
	assert.Equal(t, EventBreakGlassInit, rec.events[0].event)
	assert.Equal(t, "device stolen", rec.events[0].md["justification"])
}

func TestEngine_BreakGlassRejectsUnknownRole(t *testing.T) {
	score := 100
	e, _ := newEngine(&score)
	_, err := e.BreakGlass(context.Background(), Actor{ID: "x", Role: "ghost"}, ActionRemoteWipe, "reason")
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonUnknownRole, denied.Reason)
}

func TestEngine_ActiveOverridesAllActors(t *testing.T) {
	ctx := context.Background()
	score := 100
	clock := &fakeClock{t: time.Now()}
	e, _ := newEngine(&score, WithClock(clock.Now))

	_, err := e.BreakGlass(ctx, Actor{ID: "a", Role: RoleOfficer}, ActionRemoteWipe, "r1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = e.BreakGlass(ctx, Actor{ID: "b", Role: RoleConstable}, ActionDeleteEvidence, "r2")
	require.NoError(t, err)

	all := e.ActiveOverrides("")
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ActorID)

	e.RevokeAll()
	assert.Empty(t, e.ActiveOverrides(""))
}

func TestEngine_WithLedger(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	ledger, err := audit.NewLedger(ctx, store)
	require.NoError(t, err)

	e := NewEngine(ledger, TrustFunc(func() int { return 100 }))
	assert.False(t, e.Can(ctx, Actor{ID: "c1", Role: RoleConstable}, ActionViewAuditLogs, Env{}))

	logs, err := ledger.FetchLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, EventPermissionDenied, logs[0].Action)
	assert.Equal(t, "c1", logs[0].ActorID)
	assert.Contains(t, logs[0].Metadata, `"reason":"role_mismatch"`)
}

func TestParseAction(t *testing.T) {
	assert.Len(t, Actions(), 20)
	for _, a := range Actions() {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("launch_missiles")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestGrantTable(t *testing.T) {
	grants, err := GrantTable(map[string][]string{
		"officer": {"dispatch_units", "broadcast_alert"},
	})
	require.NoError(t, err)
	assert.True(t, grants(RoleOfficer, ActionDispatchUnits))
	assert.False(t, grants(RoleOfficer, ActionRemoteWipe))
	assert.False(t, grants(RoleConstable, ActionDispatchUnits))

	ctx := context.Background()
	score := 100
	e, _ := newEngine(&score, WithEmergencyGrants(grants))
	officer := Actor{ID: "o-1", Role: RoleOfficer}
	assert.True(t, e.Can(ctx, officer, ActionDispatchUnits, Env{IsEmergency: true}))

	_, err = GrantTable(map[string][]string{"pilot": {"send_message"}})
	require.ErrorIs(t, err, ErrUnknownRole)
	_, err = GrantTable(map[string][]string{"officer": {"fly"}})
	require.ErrorIs(t, err, ErrUnknownAction)
}
