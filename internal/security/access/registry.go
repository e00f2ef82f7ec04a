// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kavach/internal/util"
)

// =============================================================================
// ROLE REGISTRY
// =============================================================================

// Audit event names written by the registry.
const (
	EventRoleAssigned     = "ROLE_ASSIGNED"
	EventRoleRevoked      = "ROLE_REVOKED"
	EventRoleChangeDenied = "ROLE_CHANGE_DENIED"
)

var (
	// ErrNotAssigned indicates an actor with no role in the registry.
	ErrNotAssigned = errors.New("actor has no role assignment")
	// ErrRoleNotAssigned indicates a claimed role that differs from the
	// registered one.
	ErrRoleNotAssigned = errors.New("role not assigned to actor")
	// ErrNotAdmin indicates a role change by an actor without manage_users.
	ErrNotAdmin = errors.New("only actors with manage_users may change role assignments")
	// ErrBootstrap indicates a first assignment that does not make the
	// caller an admin.
	ErrBootstrap = errors.New("the first assignment must make the caller an admin")
	// ErrLastAdmin indicates a change that would leave no admin.
	ErrLastAdmin = errors.New("cannot remove the last admin")
	// ErrRegistryTampered indicates the registry file failed its signature
	// check.
	ErrRegistryTampered = errors.New("role registry signature mismatch")
)

// Assignment binds an actor to a role.
type Assignment struct {
	ActorID    string    `json:"actor_id"`
	Role       Role      `json:"role"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// registryFile is the on-disk form. Signature is an HMAC-SHA256 over the
// JSON encoding with Signature empty.
type registryFile struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Roles     map[string]Assignment `json:"roles"`
	Signature string                `json:"signature"`
}

// Registry is the stored actor-to-role binding. Roles claimed outside a
// registry are never trusted.
type Registry struct {
	path     string
	key      []byte
	recorder Recorder
	now      func() time.Time
	logger   zerolog.Logger

	mu    sync.Mutex
	roles map[string]Assignment
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock replaces time.Now.
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = fn
	}
}

// WithRegistryLogger sets the operational logger.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// OpenRegistry loads the registry at path, signed with key. A missing file
// is an empty registry; an empty path keeps it in memory.
// SECURITY: A file that fails its signature check is refused, never
// replaced with defaults.
func OpenRegistry(path string, key []byte, recorder Recorder, opts ...RegistryOption) (*Registry, error) {
	if len(key) < 32 {
		return nil, errors.New("role registry key must be at least 32 bytes")
	}
	r := &Registry{
		path:     path,
		key:      append([]byte(nil), key...),
		recorder: recorder,
		now:      time.Now,
		logger:   zerolog.Nop(),
		roles:    make(map[string]Assignment),
	}
	for _, opt := range opts {
		opt(r)
	}
	if path == "" {
		return r, nil
	}

	var f registryFile
	found, err := util.ReadJSON(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load role registry: %w", err)
	}
	if !found {
		return r, nil
	}
	want, err := r.sign(f)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(f.Signature), []byte(want)) {
		r.logger.Error().Str("path", path).Msg("role registry failed integrity check")
		return nil, ErrRegistryTampered
	}
	if f.Roles != nil {
		r.roles = f.Roles
	}
	return r, nil
}

func (r *Registry) sign(f registryFile) (string, error) {
	f.Signature = ""
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode role registry: %w", err)
	}
	mac := hmac.New(sha256.New, r.key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	f := registryFile{
		Version:   1,
		UpdatedAt: r.now().UTC(),
		Roles:     r.roles,
	}
	sig, err := r.sign(f)
	if err != nil {
		return err
	}
	f.Signature = sig
	if err := util.AtomicWriteJSON(r.path, f, 0600); err != nil {
		return fmt.Errorf("save role registry: %w", err)
	}
	return nil
}

// Lookup returns actorID's assignment.
func (r *Registry) Lookup(actorID string) (Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.roles[actorID]
	return a, ok
}

// Resolve returns actorID's registered role. A non-empty claimed role
// must match it.
func (r *Registry) Resolve(actorID string, claimed Role) (Role, error) {
	a, ok := r.Lookup(actorID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAssigned, actorID)
	}
	if claimed != "" && claimed != a.Role {
		return "", fmt.Errorf("%w: %s holds %s, not %s", ErrRoleNotAssigned, actorID, a.Role, claimed)
	}
	return a.Role, nil
}

// Empty reports whether no actor has a role yet.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roles) == 0
}

// List returns every assignment ordered by actor.
func (r *Registry) List() []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Assignment, 0, len(r.roles))
	for _, a := range r.roles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Assign binds actorID to role on behalf of byID. The first assignment
// in an empty registry must make byID itself an admin; every later one
// requires byID to hold manage_users.
func (r *Registry) Assign(ctx context.Context, byID, actorID string, role Role) (Assignment, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Assignment{}, errors.New("actor id is required")
	}
	if !role.Valid() {
		return Assignment{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// SECURITY: The caller's authority is checked under the same lock as
	// the write.
	bootstrap := len(r.roles) == 0
	if err := r.mayChangeLocked(byID, bootstrap); err != nil {
		r.denied(ctx, byID, actorID, string(role), err)
		return Assignment{}, err
	}
	if bootstrap && (actorID != byID || role != RoleAdmin) {
		r.denied(ctx, byID, actorID, string(role), ErrBootstrap)
		return Assignment{}, ErrBootstrap
	}

	prev, had := r.roles[actorID]
	if had && prev.Role == RoleAdmin && role != RoleAdmin && r.adminsLocked() == 1 {
		r.denied(ctx, byID, actorID, string(role), ErrLastAdmin)
		return Assignment{}, ErrLastAdmin
	}

	a := Assignment{ActorID: actorID, Role: role, AssignedBy: byID, AssignedAt: r.now().UTC()}
	r.roles[actorID] = a
	if err := r.saveLocked(); err != nil {
		if had {
			r.roles[actorID] = prev
		} else {
			delete(r.roles, actorID)
		}
		return Assignment{}, err
	}

	md := map[string]any{"target": actorID, "role": role, "bootstrap": bootstrap}
	if had {
		md["previous_role"] = prev.Role
	}
	r.record(ctx, EventRoleAssigned, byID, md)
	r.logger.Info().Str("actor", actorID).Str("role", string(role)).Str("by", byID).Msg("role assigned")
	return a, nil
}

// Revoke removes actorID's assignment on behalf of byID.
func (r *Registry) Revoke(ctx context.Context, byID, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mayChangeLocked(byID, false); err != nil {
		r.denied(ctx, byID, actorID, "", err)
		return err
	}
	prev, ok := r.roles[actorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAssigned, actorID)
	}
	if prev.Role == RoleAdmin && r.adminsLocked() == 1 {
		r.denied(ctx, byID, actorID, "", ErrLastAdmin)
		return ErrLastAdmin
	}

	delete(r.roles, actorID)
	if err := r.saveLocked(); err != nil {
		r.roles[actorID] = prev
		return err
	}
	r.record(ctx, EventRoleRevoked, byID, map[string]any{"target": actorID, "previous_role": prev.Role})
	return nil
}

func (r *Registry) mayChangeLocked(byID string, bootstrap bool) error {
	if bootstrap {
		return nil
	}
	by, ok := r.roles[byID]
	if !ok || !Allows(by.Role, ActionManageUsers) {
		return ErrNotAdmin
	}
	return nil
}

func (r *Registry) adminsLocked() int {
	n := 0
	for _, a := range r.roles {
		if a.Role == RoleAdmin {
			n++
		}
	}
	return n
}

func (r *Registry) denied(ctx context.Context, byID, actorID, role string, reason error) {
	r.record(ctx, EventRoleChangeDenied, byID, map[string]any{
		"target": actorID,
		"role":   role,
		"reason": reason.Error(),
	})
}

func (r *Registry) record(ctx context.Context, event, actorID string, md map[string]any) {
	if r.recorder == nil {
		return
	}
	if _, err := r.recorder.Log(ctx, event, md, actorID); err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("failed to audit role change")
	}
}
