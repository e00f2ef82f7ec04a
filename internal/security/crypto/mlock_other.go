// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package crypto

func lockMemory([]byte) error   { return nil }
func unlockMemory([]byte) error { return nil }
