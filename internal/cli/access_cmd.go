// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// access_cmd.go - The access command.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/kavach/internal/security/access"
)

func runAccess(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "roles", "":
		return accessRoles(inv)
	case "check":
		return accessCheck(ctx, inv)
	case "assign":
		return accessAssign(ctx, inv)
	case "revoke":
		return accessRevoke(ctx, inv)
	case "list":
		return accessList(ctx, inv)
	default:
		return usageErrorf("unknown access subcommand %q (roles, check, assign, revoke, list)", sub)
	}
}

// roleMatrix is the JSON shape of "access roles".
type roleMatrix struct {
	Role        access.Role     `json:"role"`
	Rank        int             `json:"rank"`
	Permissions []access.Action `json:"permissions"`
}

// accessRoles prints every role and its allow-list, lowest rank first.
func accessRoles(inv *invocation) error {
	var rows []roleMatrix
	for _, r := range access.Roles() {
		rows = append(rows, roleMatrix{Role: r, Rank: access.Rank(r), Permissions: access.Permissions(r)})
	}

	return inv.emit("access roles", rows, func(w io.Writer) {
		var md strings.Builder
		md.WriteString("# Roles\n\n")
		md.WriteString("Critical actions are audited on every attempt: ")
		var critical []string
		for _, a := range access.Actions() {
			if access.IsCritical(a) {
				critical = append(critical, "`"+string(a)+"`")
			}
		}
		md.WriteString(strings.Join(critical, ", "))
		md.WriteString(".\n\n")
		for _, r := range rows {
			fmt.Fprintf(&md, "## %s (rank %d)\n\n", r.Role, r.Rank)
			for _, a := range r.Permissions {
				fmt.Fprintf(&md, "- `%s`\n", a)
			}
			md.WriteString("\n")
		}
		fmt.Fprint(w, renderMarkdown(md.String()))
	})
}

// accessCheck evaluates one permission: kavach access check <action> [--emergency].
func accessCheck(ctx context.Context, inv *invocation) error {
	name := inv.args.Positional(1)
	if name == "" {
		return usageErrorf("access check <action> [--emergency]")
	}
	action, err := access.ParseAction(name)
	if err != nil {
		return usageErrorf("%v", err)
	}
	env := access.Env{IsEmergency: inv.args.BoolFlag("emergency")}

	actor, authErr := inv.check(ctx, action, env)
	var denied *access.PermissionDeniedError
	if authErr != nil && !errors.As(authErr, &denied) {
		return authErr
	}

	data := DecisionData{
		ActorID:   actor.ID,
		Role:      string(actor.Role),
		Action:    string(action),
		Emergency: env.IsEmergency,
		Allowed:   authErr == nil,
	}
	if denied != nil {
		data.Reason = string(denied.Reason)
	}
	if err := inv.emit("access check", data, func(w io.Writer) {
		if data.Allowed {
			fmt.Fprintf(w, "%s %s may %s\n", RenderStatus("ok"), data.ActorID, data.Action)
			return
		}
		fmt.Fprintf(w, "%s %s may not %s: %s\n", RenderStatus("denied"), data.ActorID, data.Action, data.Reason)
	}); err != nil {
		return err
	}
	return authErr
}

// =============================================================================
// ROLE ASSIGNMENTS
// =============================================================================

// accessAssign binds an actor to a role: kavach access assign <actor> <role>.
// On an empty registry the caller may only make itself admin, after
// proving a credential; afterwards manage_users is required.
func accessAssign(ctx context.Context, inv *invocation) error {
	target, roleName := inv.args.Positional(1), inv.args.Positional(2)
	if target == "" || roleName == "" {
		return usageErrorf("access assign <actor> <role>")
	}
	role, err := access.ParseRole(roleName)
	if err != nil {
		return usageErrorf("%v", err)
	}
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}

	var byID string
	if rt.Roles.Empty() {
		id, _, err := inv.claimedActor()
		if err != nil {
			return err
		}
		if id != target || role != access.RoleAdmin {
			return access.ErrBootstrap
		}
		if err := inv.authenticate(ctx, id); err != nil {
			return err
		}
		if _, err := rt.VerifyDevice(ctx, id); err != nil {
			rt.Logger.Warn().Err(err).Str("actor", id).Msg("device verification failed")
		}
		byID = id
	} else {
		by, err := inv.authorize(ctx, access.ActionManageUsers, access.Env{})
		if err != nil {
			return err
		}
		byID = by.ID
	}

	a, err := rt.Roles.Assign(ctx, byID, target, role)
	if err != nil {
		return err
	}
	return inv.emit("access assign", a, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s is now %s\n", RenderStatus("ok"), a.ActorID, a.Role)
	})
}

// accessRevoke removes an actor's role: kavach access revoke <actor>.
func accessRevoke(ctx context.Context, inv *invocation) error {
	target := inv.args.Positional(1)
	if target == "" {
		return usageErrorf("access revoke <actor>")
	}
	by, err := inv.authorize(ctx, access.ActionManageUsers, access.Env{})
	if err != nil {
		return err
	}
	if err := inv.rt.Roles.Revoke(ctx, by.ID, target); err != nil {
		return err
	}
	return inv.emit("access revoke", map[string]string{"actor_id": target}, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s has no role\n", RenderStatus("ok"), target)
	})
}

// accessList prints the role registry.
func accessList(ctx context.Context, inv *invocation) error {
	if _, err := inv.check(ctx, access.ActionManageUsers, access.Env{}); err != nil {
		return err
	}
	rows := inv.rt.Roles.List()
	return inv.emit("access list", rows, func(w io.Writer) {
		t := newTable([]string{"ACTOR", "ROLE", "ASSIGNED BY", "ASSIGNED"}, 0, 0, 0)
		for _, a := range rows {
			t.add(a.ActorID, string(a.Role), a.AssignedBy, a.AssignedAt.Format("2006-01-02 15:04"))
		}
		t.write(w)
	})
}
