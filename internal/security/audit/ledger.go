// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the single writer of the audit chain.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	queue    *offlineQueue
	lastHash string

	queuePath   string
	fingerprint func() string
	now         func() time.Time
	logger      zerolog.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithFingerprint sets the device fingerprint source stamped on entries.
func WithFingerprint(fn func() string) LedgerOption {
	return func(l *Ledger) {
		l.fingerprint = fn
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = fn
	}
}

// WithQueueFile persists the offline queue to path.
func WithQueueFile(path string) LedgerOption {
	return func(l *Ledger) {
		l.queuePath = path
	}
}

// WithLogger sets the operational logger.
func WithLogger(lg zerolog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = lg
	}
}

// NewLedger attaches to the existing chain. The head is the last queued
// entry if any are pending, else the latest persisted hash, else the head
// remembered in the queue file, else genesis.
func NewLedger(ctx context.Context, store Store, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		store:       store,
		fingerprint: func() string { return "" },
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	q, err := loadQueue(l.queuePath)
	if err != nil {
		return nil, err
	}
	l.queue = q

	l.lastHash = GenesisHash
	switch {
	case q.len() > 0:
		l.lastHash = q.head()
	default:
		hash, found, err := store.LatestHash(ctx)
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Msg("audit store unreachable at startup")
			if q.head() != "" {
				l.lastHash = q.head()
			}
		case found:
			l.lastHash = hash
		}
	}

	l.logger.Debug().Str("head", l.lastHash).Int("pending", q.len()).Msg("audit ledger attached")
	return l, nil
}

// Log appends an event. Persistence failure is not an error: the entry
// comes back with Synced=false and waits in the queue. When another
// writer has moved the stored head, the entry is rechained onto it.
func (l *Ledger) Log(ctx context.Context, action string, metadata any, actorID string) (Entry, error) {
	details, err := encodeMetadata(metadata)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Queued entries must reach the store first.
	if l.queue.len() > 0 {
		l.flushLocked(ctx)
	}

	e := Entry{
		ID:                uuid.NewString(),
		Timestamp:         l.now().UTC().Format(TimestampFormat),
		ActorID:           actorID,
		Action:            action,
		Metadata:          details,
		DeviceFingerprint: l.fingerprint(),
	}
	e.chainOnto(l.lastHash)

	if l.queue.len() == 0 {
		err := l.appendLocked(ctx, &e)
		if err == nil {
			e.Synced = true
			l.lastHash = e.CurrentHash
			if err := l.queue.setHead(e.CurrentHash); err != nil {
				l.logger.Warn().Err(err).Msg("failed to persist audit head")
			}
			return e, nil
		}
		l.logger.Warn().Err(err).Str("action", action).Msg("audit sync failed; entry queued")
	}

	l.lastHash = e.CurrentHash
	if err := l.queue.push(e); err != nil {
		l.logger.Error().Err(err).Str("action", action).Msg("failed to persist audit queue")
	}
	return e, nil
}

// maxHeadRetries bounds rechaining when other writers keep winning.
const maxHeadRetries = 8

// appendLocked persists e, rechaining it onto the stored head whenever
// the store reports a head conflict.
func (l *Ledger) appendLocked(ctx context.Context, e *Entry) error {
	for attempt := 0; ; attempt++ {
		err := l.store.Append(ctx, e.Record())
		if err == nil || !errors.Is(err, ErrHeadConflict) || attempt >= maxHeadRetries {
			return err
		}

		head, found, herr := l.store.LatestHash(ctx)
		if herr != nil {
			return herr
		}
		if !found {
			head = GenesisHash
		}
		l.logger.Debug().Str("head", head).Str("action", e.Action).Msg("audit head moved; rechaining entry")
		e.chainOnto(head)
	}
}

func encodeMetadata(metadata any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode audit metadata: %w", err)
	}
	return string(b), nil
}

// Flush replays queued entries in order, stopping at the first failure.
// It returns the number of entries persisted.
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

func (l *Ledger) flushLocked(ctx context.Context) (int, error) {
	n := 0
	for {
		e, ok := l.queue.peek()
		if !ok {
			return n, nil
		}
		if err := l.appendLocked(ctx, &e); err != nil {
			return n, fmt.Errorf("flush audit queue: %w", err)
		}
		if err := l.queue.pop(); err != nil {
			l.logger.Error().Err(err).Msg("failed to persist audit queue")
		}
		n++
		if l.queue.len() == 0 {
			l.lastHash = e.CurrentHash
			if err := l.queue.setHead(e.CurrentHash); err != nil {
				l.logger.Warn().Err(err).Msg("failed to persist audit head")
			}
		}
	}
}

// RunSync flushes the queue every interval until ctx is done.
func (l *Ledger) RunSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Pending() == 0 {
				continue
			}
			n, err := l.Flush(ctx)
			if n > 0 {
				l.logger.Info().Int("synced", n).Msg("audit queue flushed")
			}
			if err != nil {
				l.logger.Debug().Err(err).Msg("audit store still unreachable")
			}
		}
	}
}

// FetchLogs returns up to limit persisted entries, newest first.
func (l *Ledger) FetchLogs(ctx context.Context, limit int) ([]Entry, error) {
	records, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch audit logs: %w", err)
	}
	out := make([]Entry, len(records))
	for i, r := range records {
		out[i] = r.Entry()
	}
	return out, nil
}

// Verify replays the persisted chain from genesis, followed by any queued
// entries.
func (l *Ledger) Verify(ctx context.Context) (*VerifyResult, error) {
	records, err := l.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	l.mu.Lock()
	pending := l.queue.entries()
	l.mu.Unlock()

	entries := make([]Entry, 0, len(records)+len(pending))
	for _, r := range records {
		entries = append(entries, r.Entry())
	}
	entries = append(entries, pending...)
	return VerifyChain(entries, GenesisHash), nil
}

// Head returns the current chain head.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Pending returns the number of queued entries.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// PendingEntries returns a copy of the queued entries, oldest first.
func (l *Ledger) PendingEntries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.entries()
}
