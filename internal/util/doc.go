// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small file and string helpers shared by the
// security services.
//
// File-backed stores (device baselines, wrapped identity keys, the offline
// audit queue) all go through AtomicWriteJSON so a crash never leaves a
// half-written record behind.
//
//	err := util.AtomicWriteJSON(path, record, 0600)
//	found, err := util.ReadJSON(path, &record)
package util
