// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

// =============================================================================
// CSV EXPORTER
// =============================================================================

// csvHeader is the column order of CSV exports.
var csvHeader = []string{
	"timestamp", "actor_id", "action", "metadata",
	"device_fingerprint", "prev_hash", "current_hash", "synced",
}

// CSVExporter exports one row per entry. Every column is always written;
// options do not apply.
type CSVExporter struct {
	options *Options
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(opts *Options) *CSVExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &CSVExporter{options: opts}
}

// Export converts a report to CSV.
func (e *CSVExporter) Export(r *Report) ([]byte, error) {
	if r == nil {
		return nil, ErrNilReport
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, entry := range r.Entries {
		row := []string{
			entry.Timestamp,
			defuse(entry.ActorID),
			defuse(entry.Action),
			defuse(entry.Metadata),
			entry.DeviceFingerprint,
			entry.PrevHash,
			entry.CurrentHash,
			strconv.FormatBool(entry.Synced),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileExtension returns the file extension for CSV.
func (e *CSVExporter) FileExtension() string {
	return ".csv"
}

// MimeType returns the MIME type for CSV.
func (e *CSVExporter) MimeType() string {
	return "text/csv"
}

// defuse prefixes values a spreadsheet would evaluate as a formula.
// SECURITY: Actor ids and metadata are operator-controlled.
func defuse(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}
