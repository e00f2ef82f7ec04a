// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kavach.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - AuditConfig: Ledger persistence and sync
//   - DeviceConfig: Baseline storage and trust monitoring
//   - RetentionConfig: Vault location and schedule overrides
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KAVACH_*)
//   - ~/.kavach/config.toml
//   - Built-in defaults
//
// The envelope KEK is never stored here. It is read from
// KAVACH_ENVELOPE_KEK or crypto.kek_file at startup.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
