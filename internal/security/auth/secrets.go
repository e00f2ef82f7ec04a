// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/jeranaias/kavach/internal/security/crypto"
	"github.com/jeranaias/kavach/internal/util"
)

// SecretStore persists one-time code secrets per actor.
type SecretStore interface {
	LoadSecret(ctx context.Context, actorID string) (secret string, found bool, err error)
	SaveSecret(ctx context.Context, actorID, secret string) error
}

// MemorySecretStore keeps secrets in process memory.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemorySecretStore creates an empty store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string]string)}
}

func (m *MemorySecretStore) LoadSecret(_ context.Context, actorID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[actorID]
	return s, ok, nil
}

func (m *MemorySecretStore) SaveSecret(_ context.Context, actorID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[actorID] = secret
	return nil
}

var safeActorID = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// FileSecretStore writes each secret as an encrypted envelope in its own
// file.
type FileSecretStore struct {
	dir   string
	codec *crypto.EnvelopeCodec
}

// NewFileSecretStore creates a store under dir sealing secrets with codec.
func NewFileSecretStore(dir string, codec *crypto.EnvelopeCodec) *FileSecretStore {
	return &FileSecretStore{dir: dir, codec: codec}
}

type secretRecord struct {
	ActorID string `json:"actor_id"`
	Secret  string `json:"secret"`
}

func (f *FileSecretStore) path(actorID string) (string, error) {
	// SECURITY: Actor ids become file names; reject path traversal.
	if !safeActorID.MatchString(actorID) || actorID == "." || actorID == ".." {
		return "", fmt.Errorf("invalid actor id %q", actorID)
	}
	return filepath.Join(f.dir, "otp_"+actorID+".json"), nil
}

func (f *FileSecretStore) LoadSecret(_ context.Context, actorID string) (string, bool, error) {
	p, err := f.path(actorID)
	if err != nil {
		return "", false, err
	}
	var env crypto.EncryptedEnvelope
	found, err := util.ReadJSON(p, &env)
	if err != nil || !found {
		return "", false, err
	}

	var rec secretRecord
	if err := f.codec.DecryptEnvelope(&env, &rec); err != nil {
		return "", false, fmt.Errorf("open otp secret: %w", err)
	}
	// The actor id inside the envelope pins the file to its owner.
	if rec.ActorID != actorID {
		return "", false, fmt.Errorf("otp secret belongs to another actor")
	}
	return rec.Secret, true, nil
}

func (f *FileSecretStore) SaveSecret(_ context.Context, actorID, secret string) error {
	p, err := f.path(actorID)
	if err != nil {
		return err
	}
	env, err := f.codec.EncryptEnvelope(secretRecord{ActorID: actorID, Secret: secret})
	if err != nil {
		return fmt.Errorf("seal otp secret: %w", err)
	}
	return util.AtomicWriteJSON(p, env, 0600)
}
