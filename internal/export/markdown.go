// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/kavach/internal/util"
)

// maxMetadataRunes bounds the metadata cell; JSON and CSV exports carry
// the full value.
const maxMetadataRunes = 160

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports reports as a Markdown document.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a report to Markdown.
func (e *MarkdownExporter) Export(r *Report) ([]byte, error) {
	if r == nil {
		return nil, ErrNilReport
	}
	if r.GeneratedAt.IsZero() {
		return nil, fmt.Errorf("report has invalid generation timestamp")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML("Audit report"))
		fmt.Fprintf(&sb, "generated_by: %s\n", escapeYAML(r.GeneratedBy))
		fmt.Fprintf(&sb, "role: %s\n", escapeYAML(r.Role))
		fmt.Fprintf(&sb, "date: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "entries: %d\n", len(r.Entries))
		sb.WriteString("generator: kavach\n")
		sb.WriteString("---\n\n")
	}

	sb.WriteString("# Audit report\n\n")

	if e.options.IncludeMetadata {
		sb.WriteString("## Summary\n\n")
		fmt.Fprintf(&sb, "- **Generated by**: %s (%s)\n", escapeMarkdown(r.GeneratedBy), escapeMarkdown(r.Role))
		fmt.Fprintf(&sb, "- **Generated at**: %s\n", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(&sb, "- **Entries**: %d\n", len(r.Entries))
		if r.Head != "" {
			fmt.Fprintf(&sb, "- **Chain head**: `%s`\n", r.Head)
		}
		if v := r.Verification; v != nil {
			if v.Valid {
				fmt.Fprintf(&sb, "- **Chain**: intact (%d entries replayed)\n", v.Checked)
			} else {
				fmt.Fprintf(&sb, "- **Chain**: BROKEN at entry %d of %d\n", v.FirstBroken(), v.Checked)
				for _, issue := range v.Issues {
					fmt.Fprintf(&sb, "  - %s\n", escapeMarkdown(issue))
				}
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Entries\n\n")
	if len(r.Entries) == 0 {
		sb.WriteString("*No entries.*\n")
		return []byte(sb.String()), nil
	}

	if e.options.IncludeHashes {
		sb.WriteString("| Time (UTC) | Actor | Action | Metadata | Device | Hash |\n")
		sb.WriteString("|---|---|---|---|---|---|\n")
	} else {
		sb.WriteString("| Time (UTC) | Actor | Action | Metadata |\n")
		sb.WriteString("|---|---|---|---|\n")
	}
	for _, entry := range r.Entries {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |",
			formatTimestamp(entry.Timestamp),
			escapeCell(entry.ActorID),
			escapeCell(entry.Action),
			"`"+util.TruncateRunes(strings.ReplaceAll(entry.Metadata, "`", "'"), maxMetadataRunes)+"`",
		)
		if e.options.IncludeHashes {
			fmt.Fprintf(&sb, " %s | `%s` |", shortHash(entry.DeviceFingerprint), shortHash(entry.CurrentHash))
		}
		sb.WriteString("\n")
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// escapeCell escapes text for a Markdown table cell.
func escapeCell(s string) string {
	s = escapeMarkdown(s)
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes values containing YAML syntax.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
