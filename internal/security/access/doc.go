// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access decides whether an actor may perform an action.
//
// Every decision runs the same gates in order:
//
//  1. The role must be one of the known roles.
//  2. The role's allow-list must contain the action, unless an active
//     break-glass override or an emergency grant covers it.
//  3. The device trust score must be at least 60.
//
// Denials are written to the audit ledger before they are returned.
// Critical actions are audited even when allowed.
//
//	engine := access.NewEngine(ledger, trustEngine)
//	if err := engine.Authorize(ctx, actor, access.ActionRemoteWipe, access.Env{}); err != nil {
//	    var denied *access.PermissionDeniedError
//	    if errors.As(err, &denied) && denied.Reason == access.ReasonRoleMismatch {
//	        // offer break-glass
//	    }
//	}
//
// # Break-glass
//
// BreakGlass grants one exact action to one actor for five minutes. The
// grant is audited before it takes effect and expiry is enforced on every
// lookup.
package access
