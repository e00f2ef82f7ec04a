// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jeranaias/kavach/internal/db"
)

// SQLiteStore persists records to the audit_logs table. Writes go through
// the single-writer worker; reads use the pool directly. The head check
// and the insert share one transaction, so separate processes on the same
// file cannot fork the chain. Appending an entry id that already exists
// is a no-op so a replayed queue entry whose first attempt committed does
// not wedge the queue.
type SQLiteStore struct {
	conn   *sql.DB
	writer *db.Worker
}

// NewSQLiteStore wraps an open, migrated database.
func NewSQLiteStore(conn *sql.DB, writer *db.Worker) *SQLiteStore {
	return &SQLiteStore{conn: conn, writer: writer}
}

func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM audit_logs WHERE entry_id = ?`, r.EntryID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check audit record: %w", err)
		}

		head := GenesisHash
		err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&head)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query chain head: %w", err)
		}
		if head != r.PrevHash {
			return headConflict(r.PrevHash, head)
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO audit_logs (entry_id, user_id, action, details, hash, prev_hash, device_fingerprint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entry_id) DO NOTHING`,
			r.EntryID, r.UserID, r.Action, r.Details, r.Hash, r.PrevHash, r.DeviceFingerprint, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LatestHash(ctx context.Context) (string, bool, error) {
	var hash string
	err := s.conn.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query latest hash: %w", err)
	}
	return hash, true, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
SELECT entry_id, user_id, action, details, hash, prev_hash, device_fingerprint, created_at
FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `
SELECT entry_id, user_id, action, details, hash, prev_hash, device_fingerprint, created_at
FROM audit_logs ORDER BY id ASC`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EntryID, &r.UserID, &r.Action, &r.Details, &r.Hash, &r.PrevHash, &r.DeviceFingerprint, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
