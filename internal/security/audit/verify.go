// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"fmt"
)

// VerifyResult reports the outcome of a chain replay.
type VerifyResult struct {
	Valid   bool     `json:"valid"`
	Checked int      `json:"checked"`
	Broken  []int    `json:"broken,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// FirstBroken returns the index of the first broken entry, or -1.
func (r *VerifyResult) FirstBroken() int {
	if len(r.Broken) == 0 {
		return -1
	}
	return r.Broken[0]
}

// VerifyChain replays entries (oldest first) from anchor. Each hash is
// recomputed from the recomputed predecessor, not the stored one, so a
// change at index k breaks k and everything after it.
func VerifyChain(entries []Entry, anchor string) *VerifyResult {
	res := &VerifyResult{Checked: len(entries)}

	expected := anchor
	broken := false
	for i, e := range entries {
		recomputed := e.hashFrom(expected)

		switch {
		case broken:
			res.Issues = append(res.Issues, fmt.Sprintf("entry %d follows a broken link", i))
		case e.PrevHash != expected:
			broken = true
			res.Issues = append(res.Issues, fmt.Sprintf("entry %d: previous hash mismatch", i))
		// SECURITY: Constant-time comparison prevents timing attacks
		case !hmac.Equal([]byte(recomputed), []byte(e.CurrentHash)):
			broken = true
			res.Issues = append(res.Issues, fmt.Sprintf("entry %d: hash mismatch", i))
		}
		if broken {
			res.Broken = append(res.Broken, i)
		}
		expected = recomputed
	}

	res.Valid = len(res.Broken) == 0
	return res
}
