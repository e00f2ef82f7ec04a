// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth verifies one-time codes presented at session start.
//
// Code delivery is out of band: a CodeSender implementation (email, SMS)
// lives outside this module. Session start only consumes the verified or
// not-verified outcome of a CodeVerifier.
//
// TOTPVerifier is the built-in verifier. Secrets are RFC 6238 keys kept in
// a SecretStore; FileSecretStore encrypts each one with an envelope codec:
//
//	v := auth.NewTOTPVerifier(auth.NewFileSecretStore(dir, codec), auth.WithIssuer("Kavach"))
//	key, err := v.Enroll(ctx, "officer-7")  // show key.URL() as a QR code
//	ok, err := v.Verify(ctx, "officer-7", code)
package auth
