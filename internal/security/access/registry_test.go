// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registryKey = bytes.Repeat([]byte{0x42}, 32)

func newRegistry(t *testing.T, path string) (*Registry, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	r, err := OpenRegistry(path, registryKey, rec)
	require.NoError(t, err)
	return r, rec
}

func TestRegistry_Bootstrap(t *testing.T) {
	ctx := context.Background()
	r, rec := newRegistry(t, "")
	assert.True(t, r.Empty())

	_, err := r.Assign(ctx, "mallory", "mallory", RoleDSP)
	require.ErrorIs(t, err, ErrBootstrap)
	_, err = r.Assign(ctx, "mallory", "root", RoleAdmin)
	require.ErrorIs(t, err, ErrBootstrap)

	a, err := r.Assign(ctx, "root", "root", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, a.Role)
	assert.False(t, r.Empty())
	assert.Equal(t, []string{EventRoleChangeDenied, EventRoleChangeDenied, EventRoleAssigned}, rec.names())

	// Once bootstrapped, only manage_users may assign.
	_, err = r.Assign(ctx, "mallory", "mallory", RoleAdmin)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestRegistry_Resolve(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, "")
	_, err := r.Assign(ctx, "root", "root", RoleAdmin)
	require.NoError(t, err)
	_, err = r.Assign(ctx, "root", "alice", RoleOfficer)
	require.NoError(t, err)

	tests := []struct {
		name    string
		actor   string
		claimed Role
		want    Role
		wantErr error
	}{
		{"registered role", "alice", "", RoleOfficer, nil},
		{"matching claim", "alice", RoleOfficer, RoleOfficer, nil},
		{"escalated claim", "alice", RoleAdmin, "", ErrRoleNotAssigned},
		{"unknown actor", "x", RoleAdmin, "", ErrNotAssigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.actor, tt.claimed)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_OnlyManageUsersChangesRoles(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, "")
	_, err := r.Assign(ctx, "root", "root", RoleAdmin)
	require.NoError(t, err)
	_, err = r.Assign(ctx, "root", "priya", RoleDSP)
	require.NoError(t, err)

	_, err = r.Assign(ctx, "priya", "ravi", RoleConstable)
	require.ErrorIs(t, err, ErrNotAdmin)
	require.ErrorIs(t, r.Revoke(ctx, "priya", "root"), ErrNotAdmin)

	_, err = r.Assign(ctx, "root", "priya", RoleInspector)
	require.NoError(t, err)
	got, err := r.Resolve("priya", "")
	require.NoError(t, err)
	assert.Equal(t, RoleInspector, got)

	require.NoError(t, r.Revoke(ctx, "root", "priya"))
	_, ok := r.Lookup("priya")
	assert.False(t, ok)
}

func TestRegistry_KeepsLastAdmin(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, "")
	_, err := r.Assign(ctx, "root", "root", RoleAdmin)
	require.NoError(t, err)

	require.ErrorIs(t, r.Revoke(ctx, "root", "root"), ErrLastAdmin)
	_, err = r.Assign(ctx, "root", "root", RoleOfficer)
	require.ErrorIs(t, err, ErrLastAdmin)

	_, err = r.Assign(ctx, "root", "second", RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, "second", "root"))
}

func TestRegistry_PersistsAndDetectsTampering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "roles.json")
	r, _ := newRegistry(t, path)
	_, err := r.Assign(ctx, "root", "root", RoleAdmin)
	require.NoError(t, err)
	_, err = r.Assign(ctx, "root", "alice", RoleOfficer)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, _ := newRegistry(t, path)
	assert.Len(t, reopened.List(), 2)
	got, err := reopened.Resolve("alice", "")
	require.NoError(t, err)
	assert.Equal(t, RoleOfficer, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := bytes.Replace(raw, []byte(`"role": "officer"`), []byte(`"role": "admin"`), 1)
	require.NotEqual(t, raw, edited)
	require.NoError(t, os.WriteFile(path, edited, 0600))

	_, err = OpenRegistry(path, registryKey, &fakeRecorder{})
	require.ErrorIs(t, err, ErrRegistryTampered)

	// A different key cannot read the registry either.
	require.NoError(t, os.WriteFile(path, raw, 0600))
	_, err = OpenRegistry(path, bytes.Repeat([]byte{0x43}, 32), &fakeRecorder{})
	require.ErrorIs(t, err, ErrRegistryTampered)
}
