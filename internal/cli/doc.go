// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the kavach command line.
//
// An App parses global flags, builds a Runtime (config, ledger, key
// manager, trust engine, permission engine, retention engine) and
// dispatches to a command. Every command can emit a single JSON document
// with --json for SIEM ingestion.
//
// # Commands
//
//   - status: device trust, ledger head, KEK source
//   - session start: authenticate and open a monitored session shell
//   - audit: show, verify, flush, export or append to the hash-chained ledger
//   - access: print the role matrix, evaluate a permission, or assign roles
//     in the signed role registry
//   - retention: store, hold and crypto-shred vault records
//   - envelope: generate a KEK, seal and open envelopes
//   - otp: enroll and verify one-time codes
//   - config: show, get, set and initialize configuration
//
// Usage:
//
//	app := cli.NewApp(os.Stdin, os.Stdout, os.Stderr)
//	os.Exit(app.Run(ctx, os.Args[1:]))
package cli
