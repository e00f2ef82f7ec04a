// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// GenesisHash anchors a new chain.
var GenesisHash = strings.Repeat("0", 64)

// TimestampFormat is the millisecond UTC layout used in hashed timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one link of the audit chain.
type Entry struct {
	ID                string `json:"id"`
	Timestamp         string `json:"timestamp"`
	ActorID           string `json:"actorId"`
	Action            string `json:"action"`
	Metadata          string `json:"metadataJson"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	PrevHash          string `json:"prevHash"`
	CurrentHash       string `json:"currentHash"`
	Synced            bool   `json:"synced"`
}

// ComputeHash returns the hex SHA-256 over the chained fields.
func ComputeHash(prevHash, timestamp, action, actorID, metadata, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(timestamp))
	h.Write([]byte(action))
	h.Write([]byte(actorID))
	h.Write([]byte(metadata))
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// hashFrom recomputes the entry hash chained onto prev.
func (e Entry) hashFrom(prev string) string {
	return ComputeHash(prev, e.Timestamp, e.Action, e.ActorID, e.Metadata, e.DeviceFingerprint)
}

// chainOnto links e to prev and recomputes its hash.
func (e *Entry) chainOnto(prev string) {
	e.PrevHash = prev
	e.CurrentHash = e.hashFrom(prev)
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, e.Timestamp)
}

// Record is the persisted shape of an entry.
type Record struct {
	EntryID           string
	UserID            string
	Action            string
	Details           string
	Hash              string
	PrevHash          string
	DeviceFingerprint string
	CreatedAt         string
}

// Record maps the entry to its persisted shape.
func (e Entry) Record() Record {
	return Record{
		EntryID:           e.ID,
		UserID:            e.ActorID,
		Action:            e.Action,
		Details:           e.Metadata,
		Hash:              e.CurrentHash,
		PrevHash:          e.PrevHash,
		DeviceFingerprint: e.DeviceFingerprint,
		CreatedAt:         e.Timestamp,
	}
}

// Entry maps a persisted record back to an entry. Records are synced by
// definition.
func (r Record) Entry() Entry {
	return Entry{
		ID:                r.EntryID,
		Timestamp:         r.CreatedAt,
		ActorID:           r.UserID,
		Action:            r.Action,
		Metadata:          r.Details,
		DeviceFingerprint: r.DeviceFingerprint,
		PrevHash:          r.PrevHash,
		CurrentHash:       r.Hash,
		Synced:            true,
	}
}
