// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Markdown, syntax highlighting and table layout.

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"
)

// =============================================================================
// MARKDOWN
// =============================================================================

// renderMarkdown renders md for the terminal. Plain output, or a renderer
// failure, returns md unchanged.
func renderMarkdown(md string) string {
	if !ColorsEnabled() {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(GetTerminalWidth()-4),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// highlight applies terminal syntax highlighting to code.
func highlight(code, language string) string {
	if !ColorsEnabled() {
		return code
	}

	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// =============================================================================
// TABLES
// =============================================================================

// table lays out rows in fixed columns measured in display cells, so
// wide runes in actor IDs or metadata keep the columns aligned.
type table struct {
	headers []string
	widths  []int
	rows    [][]string
}

// newTable creates a table. A zero width is sized to fit its content.
func newTable(headers []string, maxWidths ...int) *table {
	t := &table{headers: headers, widths: make([]int, len(headers))}
	copy(t.widths, maxWidths)
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) columnWidths() []int {
	out := make([]int, len(t.headers))
	for i, h := range t.headers {
		out[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i := range out {
			if i < len(row) {
				if w := runewidth.StringWidth(row[i]); w > out[i] {
					out[i] = w
				}
			}
		}
	}
	for i, limit := range t.widths {
		if limit > 0 && out[i] > limit {
			out[i] = limit
		}
	}
	return out
}

// cell truncates s to w display cells and pads it to exactly w.
func cell(s string, w int) string {
	if runewidth.StringWidth(s) > w {
		s = runewidth.Truncate(s, w, "…")
	}
	return runewidth.FillRight(s, w)
}

// write renders the table to w.
func (t *table) write(w io.Writer) {
	widths := t.columnWidths()
	line := func(cells []string) string {
		parts := make([]string, len(widths))
		for i, cw := range widths {
			v := ""
			if i < len(cells) {
				v = cells[i]
			}
			parts[i] = cell(v, cw)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, RenderConditional(SectionStyle.UnsetMarginTop(), line(t.headers)))
	total := 0
	for _, cw := range widths {
		total += cw + 2
	}
	fmt.Fprintln(w, RenderSeparator(total-2))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row))
	}
}
