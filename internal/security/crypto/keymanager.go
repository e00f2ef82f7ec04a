// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// PBKDF2Iterations is the iteration count for master key derivation.
const PBKDF2Iterations = 100000

const (
	masterSaltLabel = "kavach/master-key/v1:"
	sessionInfo     = "kavach/session-key/v1:"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrKeyDerivation indicates the master key could not be derived.
	ErrKeyDerivation = errors.New("master key derivation failed")
	// ErrNoActiveSession indicates encryption was attempted without a session key.
	ErrNoActiveSession = errors.New("no active session for conversation")
	// ErrNoDecryptionKey indicates decryption was attempted without a session key.
	ErrNoDecryptionKey = errors.New("no decryption key for conversation")
	// ErrDecryptFailure indicates AES-GCM authentication failed.
	ErrDecryptFailure = errors.New("decryption failed: authentication tag mismatch")
	// ErrNotInitialized indicates the key manager holds no key material.
	ErrNotInitialized = errors.New("key manager not initialized")
	// ErrInvalidPublicKey indicates a peer public key could not be parsed.
	ErrInvalidPublicKey = errors.New("invalid peer public key")
)

// =============================================================================
// TYPES
// =============================================================================

// EncryptedPacket is a message encrypted under a conversation session key.
// All fields are standard base64.
type EncryptedPacket struct {
	Ciphertext      string `json:"ciphertext"`
	IV              string `json:"iv"`
	SenderPublicKey string `json:"senderPublicKey"`
}

type sessionKey struct {
	key  []byte
	aead cipher.AEAD
}

func (s *sessionKey) destroy() {
	releaseBuffer(s.key)
	s.key = nil
	s.aead = nil
}

// =============================================================================
// KEY MANAGER
// =============================================================================

// KeyManager owns the master key, the identity key pair and the
// per-conversation session keys. Nothing outside it touches that material.
type KeyManager struct {
	mu sync.RWMutex

	actorID   string
	masterKey []byte
	master    cipher.AEAD
	identity  *ecdh.PrivateKey
	sessions  map[string]*sessionKey

	store      IdentityStore
	iterations int
	logger     zerolog.Logger
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager)

// WithIdentityStore persists the identity key wrapped under the master key.
// Without a store the identity is regenerated on every Initialize.
func WithIdentityStore(s IdentityStore) KeyManagerOption {
	return func(km *KeyManager) {
		km.store = s
	}
}

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) KeyManagerOption {
	return func(km *KeyManager) {
		if n > 0 {
			km.iterations = n
		}
	}
}

// WithKeyLogger sets the operational logger.
func WithKeyLogger(l zerolog.Logger) KeyManagerOption {
	return func(km *KeyManager) {
		km.logger = l
	}
}

// NewKeyManager creates an uninitialized key manager.
func NewKeyManager(opts ...KeyManagerOption) *KeyManager {
	km := &KeyManager{
		sessions:   make(map[string]*sessionKey),
		iterations: PBKDF2Iterations,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(km)
	}
	return km
}

// masterSalt is deterministic per actor so the same credential always
// yields the same master key.
func masterSalt(actorID string) []byte {
	sum := sha256.Sum256([]byte(masterSaltLabel + actorID))
	return sum[:]
}

// Initialize derives the master key from credential and loads or generates
// the identity key pair. Any failure leaves the manager uninitialized.
func (km *KeyManager) Initialize(ctx context.Context, credential, actorID string) error {
	if credential == "" || actorID == "" {
		return fmt.Errorf("%w: empty credential or actor", ErrKeyDerivation)
	}

	normalized := []byte(norm.NFKC.String(credential))
	derived := pbkdf2.Key(normalized, masterSalt(actorID), km.iterations, KeySize, sha256.New)
	Zero(normalized)
	if len(derived) != KeySize {
		return ErrKeyDerivation
	}
	masterKey := secureBuffer(derived)
	Zero(derived)

	master, err := newGCM(masterKey)
	if err != nil {
		releaseBuffer(masterKey)
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	identity, err := km.loadOrCreateIdentity(ctx, master, actorID)
	if err != nil {
		releaseBuffer(masterKey)
		return err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	km.destroyLocked()
	km.actorID = actorID
	km.masterKey = masterKey
	km.master = master
	km.identity = identity

	km.logger.Debug().Str("actor", actorID).Bool("persistent_identity", km.store != nil).Msg("key manager initialized")
	return nil
}

func (km *KeyManager) loadOrCreateIdentity(ctx context.Context, master cipher.AEAD, actorID string) (*ecdh.PrivateKey, error) {
	if km.store == nil {
		return ecdh.P256().GenerateKey(rand.Reader)
	}

	wrapped, found, err := km.store.LoadIdentity(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if found {
		return unwrapIdentity(master, wrapped, actorID)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	w, err := wrapIdentity(master, priv, actorID)
	if err != nil {
		return nil, err
	}
	if err := km.store.SaveIdentity(ctx, actorID, w); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return priv, nil
}

// PublicKey returns the uncompressed P-256 identity public key as base64.
func (km *KeyManager) PublicKey() (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.identity == nil {
		return "", ErrNotInitialized
	}
	return base64.StdEncoding.EncodeToString(km.identity.PublicKey().Bytes()), nil
}

// ActorID returns the actor the keys were derived for.
func (km *KeyManager) ActorID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.actorID
}

// Initialized reports whether key material is loaded.
func (km *KeyManager) Initialized() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.master != nil
}

// =============================================================================
// SESSION KEYS
// =============================================================================

// DeriveSessionKey runs ECDH against the peer public key (base64,
// uncompressed P-256) and stores the resulting AES-256-GCM key for
// conversationID. An existing key for the conversation is replaced.
func (km *KeyManager) DeriveSessionKey(peerPublicKey, conversationID string) error {
	raw, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if km.identity == nil {
		return ErrNotInitialized
	}

	shared, err := km.identity.ECDH(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	defer Zero(shared)

	derived := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(sessionInfo+conversationID))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	key := secureBuffer(derived)
	Zero(derived)

	aead, err := newGCM(key)
	if err != nil {
		releaseBuffer(key)
		return err
	}

	if old, ok := km.sessions[conversationID]; ok {
		old.destroy()
	}
	km.sessions[conversationID] = &sessionKey{key: key, aead: aead}
	return nil
}

// HasSession reports whether a session key exists for conversationID.
func (km *KeyManager) HasSession(conversationID string) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.sessions[conversationID]
	return ok
}

// EncryptMessage encrypts plaintext under the conversation session key.
func (km *KeyManager) EncryptMessage(plaintext []byte, conversationID string) (*EncryptedPacket, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.identity == nil {
		return nil, ErrNotInitialized
	}
	sk, ok := km.sessions[conversationID]
	if !ok {
		return nil, ErrNoActiveSession
	}

	iv, ct, err := sealWith(sk.aead, plaintext, []byte(conversationID))
	if err != nil {
		return nil, err
	}
	return &EncryptedPacket{
		Ciphertext:      base64.StdEncoding.EncodeToString(ct),
		IV:              base64.StdEncoding.EncodeToString(iv),
		SenderPublicKey: base64.StdEncoding.EncodeToString(km.identity.PublicKey().Bytes()),
	}, nil
}

// DecryptMessage authenticates and decrypts a packet for conversationID.
func (km *KeyManager) DecryptMessage(packet *EncryptedPacket, conversationID string) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.identity == nil {
		return nil, ErrNotInitialized
	}
	sk, ok := km.sessions[conversationID]
	if !ok {
		return nil, ErrNoDecryptionKey
	}
	if packet == nil {
		return nil, ErrDecryptFailure
	}

	iv, err := base64.StdEncoding.DecodeString(packet.IV)
	if err != nil || len(iv) != IVSize {
		return nil, ErrDecryptFailure
	}
	ct, err := base64.StdEncoding.DecodeString(packet.Ciphertext)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	pt, err := sk.aead.Open(nil, iv, ct, []byte(conversationID))
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return pt, nil
}

// =============================================================================
// DESTRUCTION
// =============================================================================

// RotateKey discards the session key for conversationID. A new handshake
// is required before the conversation can be used again.
func (km *KeyManager) RotateKey(conversationID string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if sk, ok := km.sessions[conversationID]; ok {
		sk.destroy()
		delete(km.sessions, conversationID)
	}
}

// DestroyAllKeys zeroes the master key, the identity pair and every
// session key. Later calls fail with ErrNotInitialized.
func (km *KeyManager) DestroyAllKeys() {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.destroyLocked()
	km.logger.Debug().Msg("all key material destroyed")
}

func (km *KeyManager) destroyLocked() {
	for id, sk := range km.sessions {
		sk.destroy()
		delete(km.sessions, id)
	}
	releaseBuffer(km.masterKey)
	km.masterKey = nil
	km.master = nil
	// ecdh.PrivateKey keeps its scalar unexported; dropping the reference
	// is the most we can do.
	km.identity = nil
	km.actorID = ""
}
