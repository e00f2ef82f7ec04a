// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/kavach/internal/security/crypto"
	"github.com/jeranaias/kavach/internal/util"
)

var (
	// ErrRecordNotFound indicates an unknown record id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordShredded indicates the record's key has been destroyed.
	ErrRecordShredded = errors.New("record has been shredded")
	// ErrRecordMalformed indicates a stored record missing its envelope.
	ErrRecordMalformed = errors.New("record is malformed")
)

// Record is a sealed payload with its retention metadata.
type Record struct {
	ID         string                    `json:"id"`
	Class      PolicyClass               `json:"policy_class"`
	CreatedAt  time.Time                 `json:"created_at"`
	LegalHold  bool                      `json:"legal_hold"`
	Envelope   *crypto.EncryptedEnvelope `json:"envelope"`
	ShreddedAt *time.Time                `json:"shredded_at,omitempty"`
}

// Shredded reports whether the record's key is gone.
func (r Record) Shredded() bool { return r.ShreddedAt != nil }

var safeRecordID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Vault stores sealed records as one file each. Shredding overwrites the
// wrapped data key, leaving ciphertext nobody can open.
type Vault struct {
	mu    sync.Mutex
	dir   string
	codec *crypto.EnvelopeCodec
	now   func() time.Time
}

// NewVault creates a vault under dir sealing payloads with codec.
func NewVault(dir string, codec *crypto.EnvelopeCodec) *Vault {
	return &Vault{dir: dir, codec: codec, now: time.Now}
}

func (v *Vault) path(id string) (string, error) {
	// SECURITY: Record ids become file names; reject path traversal.
	if !safeRecordID.MatchString(id) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(v.dir, id+".json"), nil
}

// Put seals payload and stores it under a new id.
func (v *Vault) Put(_ context.Context, class PolicyClass, payload []byte, legalHold bool) (Record, error) {
	env, err := v.codec.Seal(payload)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        uuid.NewString(),
		Class:     class,
		CreatedAt: v.now().UTC(),
		LegalHold: legalHold,
		Envelope:  env,
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeLocked(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the stored record.
func (v *Vault) Get(_ context.Context, id string) (Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readLocked(id)
}

// Open decrypts the record's payload.
func (v *Vault) Open(ctx context.Context, id string) ([]byte, error) {
	rec, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Shredded() {
		return nil, ErrRecordShredded
	}
	return v.codec.Open(rec.Envelope)
}

// SetLegalHold places or lifts a legal hold.
func (v *Vault) SetLegalHold(_ context.Context, id string, hold bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.readLocked(id)
	if err != nil {
		return err
	}
	rec.LegalHold = hold
	return v.writeLocked(rec)
}

// Shred destroys the record's wrapped key. Shredding twice is a no-op.
func (v *Vault) Shred(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.readLocked(id)
	if err != nil {
		return err
	}
	if rec.Shredded() {
		return nil
	}
	now := v.now().UTC()
	rec.Envelope.WrappedKey = ""
	rec.ShreddedAt = &now
	return v.writeLocked(rec)
}

// List returns every record, oldest first.
func (v *Vault) List(_ context.Context) ([]Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dirents, err := os.ReadDir(v.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	var out []Record
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := v.readLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *Vault) readLocked(id string) (Record, error) {
	p, err := v.path(id)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	found, err := util.ReadJSON(p, &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if rec.Envelope == nil {
		return Record{}, fmt.Errorf("%w: %s has no envelope", ErrRecordMalformed, id)
	}
	return rec, nil
}

func (v *Vault) writeLocked(rec Record) error {
	p, err := v.path(rec.ID)
	if err != nil {
		return err
	}
	return util.AtomicWriteJSON(p, rec, 0600)
}
