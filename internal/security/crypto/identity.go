// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/jeranaias/kavach/internal/util"
)

// ErrIdentityUnwrap indicates a stored identity could not be decrypted
// with the derived master key (wrong credential or tampered file).
var ErrIdentityUnwrap = errors.New("identity key unwrap failed")

// WrappedIdentity is a P-256 private key encrypted under the master key.
// The actor id is the AES-GCM additional data.
type WrappedIdentity struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	PublicKey  string `json:"public_key"`
}

// IdentityStore persists wrapped identity keys per actor.
type IdentityStore interface {
	LoadIdentity(ctx context.Context, actorID string) (WrappedIdentity, bool, error)
	SaveIdentity(ctx context.Context, actorID string, w WrappedIdentity) error
}

func wrapIdentity(master cipher.AEAD, priv *ecdh.PrivateKey, actorID string) (WrappedIdentity, error) {
	raw := priv.Bytes()
	defer Zero(raw)

	iv, ct, err := sealWith(master, raw, []byte(actorID))
	if err != nil {
		return WrappedIdentity{}, fmt.Errorf("wrap identity: %w", err)
	}
	return WrappedIdentity{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		PublicKey:  base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
	}, nil
}

func unwrapIdentity(master cipher.AEAD, w WrappedIdentity, actorID string) (*ecdh.PrivateKey, error) {
	iv, err := base64.StdEncoding.DecodeString(w.IV)
	if err != nil || len(iv) != IVSize {
		return nil, ErrIdentityUnwrap
	}
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, ErrIdentityUnwrap
	}
	raw, err := master.Open(nil, iv, ct, []byte(actorID))
	if err != nil {
		return nil, ErrIdentityUnwrap
	}
	defer Zero(raw)

	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnwrap, err)
	}

	// The stored public half must match what the private key produces.
	if w.PublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(w.PublicKey)
		if err != nil || subtle.ConstantTimeCompare(pub, priv.PublicKey().Bytes()) != 1 {
			return nil, ErrIdentityUnwrap
		}
	}
	return priv, nil
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryIdentityStore keeps wrapped identities in process memory.
type MemoryIdentityStore struct {
	mu   sync.RWMutex
	data map[string]WrappedIdentity
}

// NewMemoryIdentityStore creates an empty store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{data: make(map[string]WrappedIdentity)}
}

func (s *MemoryIdentityStore) LoadIdentity(_ context.Context, actorID string) (WrappedIdentity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.data[actorID]
	return w, ok, nil
}

func (s *MemoryIdentityStore) SaveIdentity(_ context.Context, actorID string, w WrappedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[actorID] = w
	return nil
}

// =============================================================================
// FILE STORE
// =============================================================================

var safeActorID = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// FileIdentityStore writes one JSON file per actor under dir.
type FileIdentityStore struct {
	dir string
}

// NewFileIdentityStore creates a store rooted at dir. The directory is
// created on first save.
func NewFileIdentityStore(dir string) *FileIdentityStore {
	return &FileIdentityStore{dir: dir}
}

func (s *FileIdentityStore) path(actorID string) (string, error) {
	// SECURITY: Actor ids become file names; reject path traversal.
	if !safeActorID.MatchString(actorID) || actorID == "." || actorID == ".." {
		return "", fmt.Errorf("invalid actor id %q", actorID)
	}
	return filepath.Join(s.dir, "identity_"+actorID+".json"), nil
}

func (s *FileIdentityStore) LoadIdentity(_ context.Context, actorID string) (WrappedIdentity, bool, error) {
	p, err := s.path(actorID)
	if err != nil {
		return WrappedIdentity{}, false, err
	}
	var w WrappedIdentity
	found, err := util.ReadJSON(p, &w)
	if err != nil {
		return WrappedIdentity{}, false, err
	}
	return w, found, nil
}

func (s *FileIdentityStore) SaveIdentity(_ context.Context, actorID string, w WrappedIdentity) error {
	p, err := s.path(actorID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return util.AtomicWriteJSON(p, w, 0600)
}
