// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs the authenticated session lifecycle and the
// continuous trust monitor.
//
// A session starts only after the rate limiter, the optional one-time
// code, key derivation and device verification all pass. While it runs
// the monitor re-verifies the device on an interval and whenever the
// baseline directory changes; any failure terminates the session,
// destroying keys and revoking overrides (fail closed).
//
// # Key Types
//
//   - Manager: owns one active session and its background loops
//   - Credentials: what the operator presents at login
//   - Status: snapshot for display
//
// # Usage
//
//	mgr := session.NewManager(deps, session.WithMonitorInterval(30*time.Second))
//	st, err := mgr.Start(ctx, session.Credentials{ActorID: id, Credential: pw})
//	...
//	defer mgr.End(ctx)
//
// # Compliance
//
// Idle sessions terminate after 15 minutes by default (NIST 800-53 AC-12).
package session
