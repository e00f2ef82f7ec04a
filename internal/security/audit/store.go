// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStoreOffline indicates the backing store cannot be reached.
	ErrStoreOffline = errors.New("audit store offline")
	// ErrHeadConflict indicates the stored chain head is not the record's
	// PrevHash; another writer appended first.
	ErrHeadConflict = errors.New("audit chain head moved")
)

func headConflict(expected, actual string) error {
	return fmt.Errorf("%w: record chains from %.12s, head is %.12s", ErrHeadConflict, expected, actual)
}

// Store persists audit records.
type Store interface {
	// Append persists one record if its PrevHash is the current head
	// (GenesisHash for an empty store), otherwise it fails with
	// ErrHeadConflict. Appending an entry id that is already stored is a
	// no-op.
	Append(ctx context.Context, r Record) error
	// LatestHash returns the hash of the most recent record.
	LatestHash(ctx context.Context) (hash string, found bool, err error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// All returns every record, oldest first.
	All(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps records in process memory. It can be switched offline
// to exercise the queueing path.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	offline bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetOffline makes every call fail with ErrStoreOffline while true.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrStoreOffline
	}
	head := GenesisHash
	for _, existing := range m.records {
		if existing.EntryID == r.EntryID {
			return nil
		}
		head = existing.Hash
	}
	if head != r.PrevHash {
		return headConflict(r.PrevHash, head)
	}
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryStore) LatestHash(context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return "", false, ErrStoreOffline
	}
	if len(m.records) == 0 {
		return "", false, nil
	}
	return m.records[len(m.records)-1].Hash, true, nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrStoreOffline
	}
	n := len(m.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryStore) All(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrStoreOffline
	}
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// update rewrites a stored record in place. Test helper for tampering.
func (m *MemoryStore) update(i int, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.records[i])
}
