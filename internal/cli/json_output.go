// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - JSON output for SIEM ingestion.
//
// Every command accepts --json and then writes exactly one JSONResponse to
// stdout. Human-readable notes go to stderr in that mode.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// JSONResponse is the standardized response format for all CLI commands.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data interface{} `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// Timestamp is the RFC3339 time the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed (for audit trail)
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a new successful JSON response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a new error JSON response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	errStr := err.Error()
	return &JSONResponse{
		Success:   false,
		Error:     &errStr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print writes the indented response to w.
func (r *JSONResponse) Print(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// String returns the JSON response as a string.
func (r *JSONResponse) String() string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"failed to marshal response: %s","timestamp":"%s"}`,
			err.Error(), time.Now().UTC().Format(time.RFC3339))
	}
	return string(data)
}

// =============================================================================
// COMMAND-SPECIFIC DATA STRUCTURES
// =============================================================================

// StatusData is returned by the status command.
type StatusData struct {
	Version     string     `json:"version"`
	Env         string     `json:"env"`
	DataDir     string     `json:"data_dir"`
	ActorID     string     `json:"actor_id"`
	Role        string     `json:"role"`
	Device      DeviceInfo `json:"device"`
	Audit       AuditInfo  `json:"audit"`
	KEKSource   string     `json:"kek_source"`
	OTPEnabled  bool       `json:"otp_enabled"`
	OTPEnrolled bool       `json:"otp_enrolled"`
	Records     int        `json:"records"`
}

// DeviceInfo describes the current device signature.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint"`
	TrustScore  int    `json:"trust_score"`
	Baseline    bool   `json:"baseline"`
}

// AuditInfo summarizes ledger state.
type AuditInfo struct {
	Driver  string `json:"driver"`
	Head    string `json:"head"`
	Pending int    `json:"pending"`
}

// DecisionData is returned by access check.
type DecisionData struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Action    string `json:"action"`
	Emergency bool   `json:"emergency"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// RetentionData is returned by retention delete.
type RetentionData struct {
	RecordID  string     `json:"record_id"`
	Class     string     `json:"policy_class"`
	Deleted   bool       `json:"deleted"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// VersionData is returned by the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}
