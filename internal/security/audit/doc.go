// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records security events in an append-only hash chain.
//
// Each entry's hash covers the previous entry's hash, so rewriting any
// persisted entry breaks verification from that entry onwards:
//
//	currentHash = SHA256(prevHash || timestamp || action || actorId || metadata || deviceFingerprint)
//
// # Ledger
//
// Appends are serialized by the Ledger, persistence included, so the
// chain cannot fork under concurrent callers:
//
//	ledger, err := audit.NewLedger(ctx, store, audit.WithQueueFile(path))
//	if err != nil {
//	    return err
//	}
//	entry, _ := ledger.Log(ctx, "PERMISSION_DENIED", map[string]any{"reason": "low_trust"}, actorID)
//
// When the store is unreachable the entry is queued (Synced=false) and
// the chain keeps advancing. Flush, or RunSync in the background, replays
// the queue in order.
//
// # Stores
//
// MemoryStore serves tests and development. SQLiteStore persists to the
// audit_logs table through a single-writer db.Worker.
package audit
