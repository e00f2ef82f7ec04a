// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders audit ledger extracts for offline review.
//
// # Key Types
//
//   - Format: Export format enumeration (JSON, Markdown, CSV)
//   - Exporter: Renders a Report in one format
//   - Report: A ledger extract plus its chain verification
//
// # Supported Formats
//
//   - JSON: Machine-readable, every entry field preserved
//   - Markdown: Human-readable summary and entry table
//   - CSV: One row per entry for spreadsheet review
//
// # Usage
//
//	exporter, err := export.New(export.FormatMarkdown, nil)
//	if err != nil {
//	    return err
//	}
//	path, err := export.ExportToFile(report, exporter, "/srv/reports")
package export
