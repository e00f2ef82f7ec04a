// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is an actor's organizational role. The set is closed.
type Role string

const (
	RoleConstable   Role = "constable"
	RoleOfficer     Role = "officer"
	RoleSupport     Role = "support"
	RoleDispatcher  Role = "dispatcher"
	RoleInspector   Role = "inspector"
	RoleControlRoom Role = "control_room"
	RoleDSP         Role = "dsp"
	RoleAdmin       Role = "admin"
)

// ErrUnknownRole indicates a role string outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole converts s to a Role, rejecting anything not in the set.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Roles returns every role, lowest rank first.
func Roles() []Role {
	return []Role{
		RoleConstable,
		RoleSupport,
		RoleOfficer,
		RoleDispatcher,
		RoleInspector,
		RoleControlRoom,
		RoleDSP,
		RoleAdmin,
	}
}

var roleRanks = map[Role]int{
	RoleConstable:   1,
	RoleSupport:     1,
	RoleOfficer:     2,
	RoleDispatcher:  2,
	RoleInspector:   3,
	RoleControlRoom: 3,
	RoleDSP:         4,
	RoleAdmin:       5,
}

// Rank returns the role's rank, 0 for unknown roles.
func Rank(r Role) int {
	return roleRanks[r]
}

// CanOverride reports whether actorRole strictly outranks targetRole.
func CanOverride(actorRole, targetRole Role) bool {
	return Rank(actorRole) > Rank(targetRole)
}

// =============================================================================
// ACTIONS
// =============================================================================

// Action is a permission checked by the engine.
type Action string

const (
	ActionSendMessage       Action = "send_message"
	ActionViewMessages      Action = "view_messages"
	ActionViewCaseFiles     Action = "view_case_files"
	ActionCreateCase        Action = "create_case"
	ActionUpdateCase        Action = "update_case"
	ActionUploadEvidence    Action = "upload_evidence"
	ActionViewEvidence      Action = "view_evidence"
	ActionDeleteEvidence    Action = "delete_evidence"
	ActionAssignTasks       Action = "assign_tasks"
	ActionDispatchUnits     Action = "dispatch_units"
	ActionBroadcastAlert    Action = "broadcast_alert"
	ActionActivateEmergency Action = "activate_emergency"
	ActionViewTorTraffic    Action = "view_tor_traffic"
	ActionExportReports     Action = "export_reports"
	ActionViewAuditLogs     Action = "view_audit_logs"
	ActionResetDevice       Action = "reset_device"
	ActionManageUsers       Action = "manage_users"
	ActionManageRetention   Action = "manage_retention"
	ActionLegalHold         Action = "legal_hold"
	ActionRemoteWipe        Action = "remote_wipe"
)

// ErrUnknownAction indicates an action string outside the known set.
var ErrUnknownAction = errors.New("unknown action")

// Actions returns every action.
func Actions() []Action {
	return clone(rolePermissions[RoleAdmin])
}

// ParseAction converts s to an Action, rejecting anything unknown.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !Allows(RoleAdmin, a) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// criticalActions are audited on every attempt, allowed or not.
var criticalActions = map[Action]bool{
	ActionActivateEmergency: true,
	ActionRemoteWipe:        true,
	ActionDeleteEvidence:    true,
}

// IsCritical reports whether a is in the critical set.
func IsCritical(a Action) bool {
	return criticalActions[a]
}

// =============================================================================
// ROLE PERMISSIONS MATRIX
// =============================================================================

var (
	constablePerms = []Action{
		ActionSendMessage,
		ActionViewMessages,
		ActionViewCaseFiles,
		ActionUploadEvidence,
	}
	officerPerms = append(clone(constablePerms),
		ActionCreateCase,
		ActionUpdateCase,
		ActionViewEvidence,
	)
	inspectorPerms = append(clone(officerPerms),
		ActionAssignTasks,
		ActionViewTorTraffic,
		ActionExportReports,
	)
)

var rolePermissions = map[Role][]Action{
	RoleConstable: constablePerms,
	RoleOfficer:   officerPerms,
	RoleSupport: {
		ActionSendMessage,
		ActionViewMessages,
		ActionResetDevice,
	},
	RoleDispatcher: {
		ActionSendMessage,
		ActionViewMessages,
		ActionViewCaseFiles,
		ActionDispatchUnits,
		ActionBroadcastAlert,
	},
	RoleInspector: inspectorPerms,
	RoleControlRoom: {
		ActionSendMessage,
		ActionViewMessages,
		ActionViewCaseFiles,
		ActionDispatchUnits,
		ActionBroadcastAlert,
		ActionActivateEmergency,
		ActionViewTorTraffic,
	},
	RoleDSP: append(clone(inspectorPerms),
		ActionDispatchUnits,
		ActionBroadcastAlert,
		ActionActivateEmergency,
		ActionDeleteEvidence,
		ActionViewAuditLogs,
		ActionLegalHold,
	),
	RoleAdmin: {
		ActionSendMessage,
		ActionViewMessages,
		ActionViewCaseFiles,
		ActionCreateCase,
		ActionUpdateCase,
		ActionUploadEvidence,
		ActionViewEvidence,
		ActionDeleteEvidence,
		ActionAssignTasks,
		ActionDispatchUnits,
		ActionBroadcastAlert,
		ActionActivateEmergency,
		ActionViewTorTraffic,
		ActionExportReports,
		ActionViewAuditLogs,
		ActionResetDevice,
		ActionManageUsers,
		ActionManageRetention,
		ActionLegalHold,
		ActionRemoteWipe,
	},
}

func clone(a []Action) []Action {
	return append([]Action(nil), a...)
}

// Permissions returns a copy of the role's allow-list.
func Permissions(r Role) []Action {
	return clone(rolePermissions[r])
}

// Allows reports whether the role's static allow-list contains a.
func Allows(r Role, a Action) bool {
	for _, p := range rolePermissions[r] {
		if p == a {
			return true
		}
	}
	return false
}

// GrantTable builds an EmergencyGrants hook from role -> extra actions.
func GrantTable(table map[string][]string) (EmergencyGrants, error) {
	grants := make(map[Role]map[Action]bool, len(table))
	for rs, actions := range table {
		r, err := ParseRole(rs)
		if err != nil {
			return nil, err
		}
		set := make(map[Action]bool, len(actions))
		for _, as := range actions {
			a, err := ParseAction(as)
			if err != nil {
				return nil, fmt.Errorf("emergency grant for %s: %w", r, err)
			}
			set[a] = true
		}
		grants[r] = set
	}
	return func(r Role, a Action) bool {
		return grants[r][a]
	}, nil
}
