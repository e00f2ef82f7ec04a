// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_WideRunes(t *testing.T) {
	assert.Equal(t, "ab   ", cell("ab", 5))
	assert.Equal(t, 4, runewidth.StringWidth(cell("日本語", 4)))
	assert.Equal(t, "abc…", cell("abcdefgh", 4))
}

func TestTable_AlignsColumns(t *testing.T) {
	ForceColorsEnabled(false)

	tb := newTable([]string{"ACTOR", "ACTION"}, 8, 0)
	tb.add("alice", "SESSION_START")
	tb.add("日本語の名前です", "PERMISSION_DENIED")

	var buf bytes.Buffer
	tb.write(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)

	// The second column starts after the capped first column plus the gap.
	offset := func(line, col string) int {
		i := strings.Index(line, col)
		require.GreaterOrEqual(t, i, 0, "%q not in %q", col, line)
		return runewidth.StringWidth(line[:i])
	}
	assert.Equal(t, 10, offset(lines[0], "ACTION"))
	assert.Equal(t, 10, offset(lines[2], "SESSION_START"))
	assert.Equal(t, 10, offset(lines[3], "PERMISSION_DENIED"))
	assert.Contains(t, lines[3], "…")
	assert.Equal(t, strings.Repeat("=", 27), lines[1])
}

func TestHighlightAndMarkdown_PlainWithoutColor(t *testing.T) {
	ForceColorsEnabled(false)
	src := "[audit]\ndriver = \"sqlite\"\n"
	assert.Equal(t, src, highlight(src, "toml"))
	assert.Equal(t, "# Roles\n", renderMarkdown("# Roles\n"))
}

func TestHighlight_Colored(t *testing.T) {
	ForceColorsEnabled(true)
	defer ForceColorsEnabled(false)

	out := highlight("[audit]\ndriver = \"sqlite\"\n", "toml")
	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, out, "sqlite")
}
