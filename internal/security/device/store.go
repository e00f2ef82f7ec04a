// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package device

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/jeranaias/kavach/internal/util"
)

// BaselineKeyPrefix prefixes per-actor baseline keys.
const BaselineKeyPrefix = "device_sig_"

// BaselineKey returns the store key for an actor's baseline signature.
func BaselineKey(actorID string) string {
	return BaselineKeyPrefix + actorID
}

// SignatureStore persists baseline signatures. Load returns nil, nil when
// no baseline exists.
type SignatureStore interface {
	Load(ctx context.Context, key string) (*Signature, error)
	Save(ctx context.Context, key string, sig Signature) error
}

// MemoryStore is an in-process SignatureStore.
type MemoryStore struct {
	mu   sync.RWMutex
	sigs map[string]Signature
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sigs: make(map[string]Signature)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.sigs[key]
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, sig Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigs[key] = sig
	return nil
}

var safeKey = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,160}$`)

// FileStore keeps one JSON file per key in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory holding baseline files.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(key string) (string, error) {
	// SECURITY: Keys become file names; reject path traversal.
	if !safeKey.MatchString(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid baseline key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *FileStore) Load(_ context.Context, key string) (*Signature, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	var sig Signature
	found, err := util.ReadJSON(p, &sig)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &sig, nil
}

func (f *FileStore) Save(_ context.Context, key string, sig Signature) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteJSON(p, sig, 0600); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return nil
}
