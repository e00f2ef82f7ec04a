// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"

	"github.com/jeranaias/kavach/internal/util"
)

// queueState is the on-disk form of the offline queue. Head is the last
// hash the ledger produced, so a restart while offline keeps chaining
// from it instead of genesis.
type queueState struct {
	Head    string  `json:"head"`
	Entries []Entry `json:"entries"`
}

// offlineQueue holds entries that could not be persisted. It is not safe
// for concurrent use; the Ledger mutex guards it.
type offlineQueue struct {
	path  string
	state queueState
}

// loadQueue reads path if it exists. An empty path keeps the queue in
// memory only.
func loadQueue(path string) (*offlineQueue, error) {
	q := &offlineQueue{path: path}
	if path == "" {
		return q, nil
	}
	if _, err := util.ReadJSON(path, &q.state); err != nil {
		return nil, fmt.Errorf("load audit queue: %w", err)
	}
	return q, nil
}

func (q *offlineQueue) len() int { return len(q.state.Entries) }

func (q *offlineQueue) head() string { return q.state.Head }

func (q *offlineQueue) peek() (Entry, bool) {
	if len(q.state.Entries) == 0 {
		return Entry{}, false
	}
	return q.state.Entries[0], true
}

func (q *offlineQueue) push(e Entry) error {
	q.state.Entries = append(q.state.Entries, e)
	q.state.Head = e.CurrentHash
	return q.save()
}

func (q *offlineQueue) pop() error {
	if len(q.state.Entries) == 0 {
		return nil
	}
	q.state.Entries = q.state.Entries[1:]
	return q.save()
}

// setHead records the chain head without queueing anything.
func (q *offlineQueue) setHead(h string) error {
	if q.state.Head == h {
		return nil
	}
	q.state.Head = h
	return q.save()
}

func (q *offlineQueue) entries() []Entry {
	out := make([]Entry, len(q.state.Entries))
	copy(out, q.state.Entries)
	return out
}

func (q *offlineQueue) save() error {
	if q.path == "" {
		return nil
	}
	return util.AtomicWriteJSON(q.path, q.state, 0600)
}
