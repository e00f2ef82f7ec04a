// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kavach/internal/db"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestLedger(t *testing.T, store Store, opts ...LedgerOption) *Ledger {
	t.Helper()
	opts = append([]LedgerOption{
		WithClock(fixedClock()),
		WithFingerprint(func() string { return "fp-1" }),
	}, opts...)
	l, err := NewLedger(context.Background(), store, opts...)
	require.NoError(t, err)
	return l
}

func TestComputeHash_Genesis(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
	h := ComputeHash(GenesisHash, "2025-01-01T00:00:00.000Z", "LOGIN", "a", "{}", "fp")
	assert.Len(t, h, 64)
	assert.NotEqual(t, h, ComputeHash(GenesisHash, "2025-01-01T00:00:00.000Z", "LOGIN", "b", "{}", "fp"))
}

func TestLedger_ChainsFromGenesis(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, store)

	first, err := l.Log(ctx, "SESSION_START", map[string]any{"method": "password"}, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.True(t, first.Synced)
	assert.Equal(t, "fp-1", first.DeviceFingerprint)
	assert.Equal(t, `{"method":"password"}`, first.Metadata)

	second, err := l.Log(ctx, "PERMISSION_DENIED", nil, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, first.CurrentHash, second.PrevHash)
	assert.Equal(t, "{}", second.Metadata)
	assert.Equal(t, second.CurrentHash, l.Head())

	ts, err := first.Time()
	require.NoError(t, err)
	assert.Equal(t, 2025, ts.Year())
}

func TestLedger_ChainIntegrity(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 2, 10, 50} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			store := NewMemoryStore()
			l := newTestLedger(t, store)
			for i := 0; i < n; i++ {
				_, err := l.Log(ctx, "EVENT", map[string]int{"i": i}, "actor")
				require.NoError(t, err)
			}
			res, err := l.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, res.Valid)
			assert.Equal(t, n, res.Checked)
			assert.Equal(t, -1, res.FirstBroken())
		})
	}
}

func TestLedger_MutationBreaksSuffix(t *testing.T) {
	ctx := context.Background()
	const n = 8

	mutations := map[string]func(r *Record){
		"details":     func(r *Record) { r.Details = `{"tampered":true}` },
		"action":      func(r *Record) { r.Action = "NOTHING_TO_SEE" },
		"user":        func(r *Record) { r.UserID = "someone-else" },
		"timestamp":   func(r *Record) { r.CreatedAt = "2020-01-01T00:00:00.000Z" },
		"fingerprint": func(r *Record) { r.DeviceFingerprint = "fp-2" },
		"hash":        func(r *Record) { r.Hash = GenesisHash },
		"prev hash":   func(r *Record) { r.PrevHash = GenesisHash },
	}

	for name, mutate := range mutations {
		for _, k := range []int{1, 4, n - 1} {
			t.Run(fmt.Sprintf("%s@%d", name, k), func(t *testing.T) {
				store := NewMemoryStore()
				l := newTestLedger(t, store)
				for i := 0; i < n; i++ {
					_, err := l.Log(ctx, "EVENT", map[string]int{"i": i}, "actor")
					require.NoError(t, err)
				}
				store.update(k, mutate)

				res, err := l.Verify(ctx)
				require.NoError(t, err)
				assert.False(t, res.Valid)

				var want []int
				for i := k; i < n; i++ {
					want = append(want, i)
				}
				assert.Equal(t, want, res.Broken)
			})
		}
	}
}

func TestLedger_ConcurrentLogsNeverFork(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, store)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = l.Log(ctx, "EVENT", map[string]int{"g": g, "i": i}, "actor")
			}
		}(g)
	}
	wg.Wait()

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 200, res.Checked)
}

func TestLedger_OfflineQueueAndFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, store)

	online, err := l.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)

	store.SetOffline(true)
	q1, err := l.Log(ctx, "B", nil, "actor")
	require.NoError(t, err)
	assert.False(t, q1.Synced)
	q2, err := l.Log(ctx, "C", nil, "actor")
	require.NoError(t, err)
	assert.False(t, q2.Synced)

	// The chain keeps advancing while offline.
	assert.Equal(t, online.CurrentHash, q1.PrevHash)
	assert.Equal(t, q1.CurrentHash, q2.PrevHash)
	assert.Equal(t, 2, l.Pending())

	n, err := l.Flush(ctx)
	require.ErrorIs(t, err, ErrStoreOffline)
	assert.Zero(t, n)

	store.SetOffline(false)
	n, err = l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, l.Pending())

	logs, err := l.FetchLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"C", "B", "A"}, []string{logs[0].Action, logs[1].Action, logs[2].Action})
	assert.True(t, logs[0].Synced)

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestLedger_NewEntriesWaitBehindQueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, store)

	store.SetOffline(true)
	_, err := l.Log(ctx, "QUEUED", nil, "actor")
	require.NoError(t, err)

	store.SetOffline(false)
	e, err := l.Log(ctx, "AFTER", nil, "actor")
	require.NoError(t, err)
	assert.True(t, e.Synced)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "QUEUED", all[0].Action)
	assert.Equal(t, "AFTER", all[1].Action)
}

func TestLedger_RunSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	l := newTestLedger(t, store)
	store.SetOffline(true)
	_, err := l.Log(ctx, "QUEUED", nil, "actor")
	require.NoError(t, err)
	store.SetOffline(false)

	done := make(chan struct{})
	go func() {
		l.RunSync(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestLedger_AttachesToExistingChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newTestLedger(t, store)
	e, err := first.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)

	second := newTestLedger(t, store)
	assert.Equal(t, e.CurrentHash, second.Head())

	next, err := second.Log(ctx, "B", nil, "actor")
	require.NoError(t, err)
	assert.Equal(t, e.CurrentHash, next.PrevHash)
}

func TestLedger_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit-queue.json")
	store := NewMemoryStore()

	l := newTestLedger(t, store, WithQueueFile(path))
	_, err := l.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)
	store.SetOffline(true)
	queued, err := l.Log(ctx, "B", nil, "actor")
	require.NoError(t, err)

	// Restart while the store is still offline.
	restarted := newTestLedger(t, store, WithQueueFile(path))
	assert.Equal(t, 1, restarted.Pending())
	assert.Equal(t, queued.CurrentHash, restarted.Head())
	assert.Equal(t, "B", restarted.PendingEntries()[0].Action)

	store.SetOffline(false)
	n, err := restarted.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := restarted.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestLedger_HeadRememberedWhileOffline(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit-queue.json")
	store := NewMemoryStore()

	l := newTestLedger(t, store, WithQueueFile(path))
	e, err := l.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)

	store.SetOffline(true)
	restarted := newTestLedger(t, store, WithQueueFile(path))
	assert.Equal(t, e.CurrentHash, restarted.Head())
}

func TestLedger_BadMetadata(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore())
	head := l.Head()
	_, err := l.Log(context.Background(), "A", map[string]any{"ch": make(chan int)}, "actor")
	require.Error(t, err)
	assert.Equal(t, head, l.Head())
}

func TestVerifyChain_AnchorMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newTestLedger(t, store)
	e, err := l.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)

	res := VerifyChain([]Entry{e}, "ff"+GenesisHash[2:])
	assert.False(t, res.Valid)
	assert.Equal(t, []int{0}, res.Broken)

	assert.True(t, VerifyChain(nil, GenesisHash).Valid)
}

// =============================================================================
// SQLITE STORE
// =============================================================================

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	w := db.NewWorker(conn)
	t.Cleanup(func() {
		w.Close()
		conn.Close()
	})
	return NewSQLiteStore(conn, w)
}

func TestSQLiteStore_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	_, found, err := store.LatestHash(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	l := newTestLedger(t, store)
	var last Entry
	for i := 0; i < 5; i++ {
		last, err = l.Log(ctx, fmt.Sprintf("EVENT_%d", i), map[string]int{"i": i}, "officer-9")
		require.NoError(t, err)
		assert.True(t, last.Synced)
	}

	hash, found, err := store.LatestHash(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, last.CurrentHash, hash)

	logs, err := l.FetchLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "EVENT_4", logs[0].Action)
	assert.Equal(t, "EVENT_3", logs[1].Action)
	assert.Equal(t, "officer-9", logs[0].ActorID)
	assert.Equal(t, "fp-1", logs[0].DeviceFingerprint)

	all, err := l.FetchLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	reattached := newTestLedger(t, store)
	assert.Equal(t, last.CurrentHash, reattached.Head())
}

func TestSQLiteStore_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	r := Record{EntryID: "e1", UserID: "u", Action: "A", Details: "{}", Hash: "h1", PrevHash: GenesisHash, CreatedAt: "2025-01-01T00:00:00.000Z"}

	require.NoError(t, store.Append(ctx, r))
	require.NoError(t, store.Append(ctx, r))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteStore_AppendRejectsStaleHead(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	first := Record{EntryID: "e1", UserID: "u", Action: "A", Details: "{}", Hash: "h1", PrevHash: GenesisHash, CreatedAt: "2025-01-01T00:00:00.000Z"}
	require.NoError(t, store.Append(ctx, first))

	stale := Record{EntryID: "e2", UserID: "u", Action: "B", Details: "{}", Hash: "h2", PrevHash: GenesisHash, CreatedAt: "2025-01-01T00:00:01.000Z"}
	require.ErrorIs(t, store.Append(ctx, stale), ErrHeadConflict)

	stale.PrevHash = "h1"
	require.NoError(t, store.Append(ctx, stale))
}

func TestMemoryStore_AppendRejectsStaleHead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.ErrorIs(t, store.Append(ctx, Record{EntryID: "e1", Hash: "h1", PrevHash: "nope"}), ErrHeadConflict)
	require.NoError(t, store.Append(ctx, Record{EntryID: "e1", Hash: "h1", PrevHash: GenesisHash}))
	require.NoError(t, store.Append(ctx, Record{EntryID: "e1", Hash: "h1", PrevHash: GenesisHash}))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// Two ledgers on one database file behave like two kavach processes: a
// long-lived session and a one-shot command.
func TestLedger_SharedDatabaseNeverForks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	open := func() *Ledger {
		conn, err := db.Open(ctx, path)
		require.NoError(t, err)
		w := db.NewWorker(conn)
		t.Cleanup(func() {
			w.Close()
			conn.Close()
		})
		return newTestLedger(t, NewSQLiteStore(conn, w))
	}

	session := open()
	start, err := session.Log(ctx, "SESSION_START", nil, "officer-1")
	require.NoError(t, err)

	oneShot := open()
	note, err := oneShot.Log(ctx, "OPERATOR_NOTE", map[string]string{"note": "shift change"}, "officer-2")
	require.NoError(t, err)
	assert.Equal(t, start.CurrentHash, note.PrevHash)

	end, err := session.Log(ctx, "SESSION_END", nil, "officer-1")
	require.NoError(t, err)
	assert.True(t, end.Synced)
	assert.Equal(t, note.CurrentHash, end.PrevHash)
	assert.Equal(t, end.CurrentHash, session.Head())

	res, err := session.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, "issues: %v", res.Issues)
	assert.Equal(t, 3, res.Checked)
}

func TestLedger_QueuedEntriesRechainOnFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestLedger(t, store)
	b := newTestLedger(t, store)

	_, err := a.Log(ctx, "A", nil, "actor")
	require.NoError(t, err)

	store.SetOffline(true)
	queued, err := a.Log(ctx, "QUEUED", nil, "actor")
	require.NoError(t, err)
	require.False(t, queued.Synced)
	store.SetOffline(false)

	_, err = b.Log(ctx, "B", nil, "other")
	require.NoError(t, err)

	n, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := a.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Checked)
}
