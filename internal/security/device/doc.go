// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package device scores how closely the running host matches the device an
// actor first used.
//
// A Signature is captured once per TrustEngine and compared with the
// actor's stored baseline (key "device_sig_<actorId>"). Drift points are
// subtracted from 100: user agent 40, rendering hash 60, resolution 10.
// A score below 60 is untrusted.
package device
