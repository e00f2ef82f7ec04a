// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/kavach/internal/security/audit"
	"github.com/jeranaias/kavach/internal/util"
)

// EventExported is the audit event written when a report leaves the ledger.
const EventExported = "AUDIT_EXPORTED"

// =============================================================================
// REPORT
// =============================================================================

// Report is an extract of the audit chain, oldest entry first.
type Report struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	GeneratedBy  string              `json:"generated_by"`
	Role         string              `json:"role"`
	Head         string              `json:"head"`
	Verification *audit.VerifyResult `json:"verification,omitempty"`
	Entries      []audit.Entry       `json:"entries"`
}

// ErrNilReport is returned when an exporter is handed no report.
var ErrNilReport = errors.New("report is nil")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a report in one format.
type Exporter interface {
	// Export converts a report to the target format and returns the content.
	Export(r *Report) ([]byte, error)

	// FileExtension returns the file extension, e.g. ".md".
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// Format names an export format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

// ErrUnknownFormat indicates a format name outside the supported set.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts a format name or its common file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q (json, markdown, csv)", ErrUnknownFormat, s)
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds the report header (generator, chain status).
	IncludeMetadata bool

	// IncludeHashes adds prev/current hashes to human-readable formats.
	// JSON always carries them.
	IncludeHashes bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata: true,
		IncludeHashes:   true,
	}
}

// New returns the exporter for format.
func New(format Format, opts *Options) (Exporter, error) {
	switch format {
	case FormatJSON:
		return NewJSONExporter(opts), nil
	case FormatMarkdown:
		return NewMarkdownExporter(opts), nil
	case FormatCSV:
		return NewCSVExporter(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile renders r into dir and returns the written path. The file
// name carries the generation time so repeated exports never collide.
// SECURITY: Reports contain actor identities; files are written 0600.
func ExportToFile(r *Report, exporter Exporter, dir string) (string, error) {
	if r == nil {
		return "", ErrNilReport
	}
	content, err := exporter.Export(r)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("audit_%s_%s%s",
		sanitizeFilename(r.GeneratedBy),
		r.GeneratedAt.UTC().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	path := filepath.Join(dir, filename)
	if err := util.AtomicWriteFileWithDir(path, content, 0600, 0700); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names.
func sanitizeFilename(s string) string {
	runes := []rune(s)
	if len(runes) > 50 {
		runes = runes[:50]
	}

	var b strings.Builder
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// formatTimestamp formats an entry timestamp for display. Entries that do
// not parse are shown verbatim.
func formatTimestamp(ts string) string {
	t, err := time.Parse(audit.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
