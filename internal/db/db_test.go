// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, filepath.Join(t.TempDir(), "kavach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs").Scan(&n))
	require.Zero(t, n)

	// Re-running is a no-op.
	require.NoError(t, Migrate(ctx, conn))
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("0007_thing.sql")
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = parseVersion("nounderscore.sql")
	require.Error(t, err)
}

func TestWorker_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	conn, err := OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := NewWorker(conn)
	t.Cleanup(w.Close)

	insert := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs(entry_id, user_id, action, hash, prev_hash, created_at)
VALUES ('e1', 'u1', 'LOGIN', 'h1', 'h0', '2025-01-01T00:00:00.000Z')`)
		return err
	}
	require.NoError(t, w.Do(ctx, insert))

	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_logs`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs").Scan(&n))
	require.Equal(t, 1, n)
}

func TestWorker_ClosedRejects(t *testing.T) {
	ctx := context.Background()
	conn, err := OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := NewWorker(conn)
	w.Close()
	w.Close()

	err = w.Do(ctx, func(context.Context, *sql.Tx) error { return nil })
	require.ErrorIs(t, err, ErrWorkerClosed)
}
