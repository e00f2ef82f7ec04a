// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - The status command.

package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/jeranaias/kavach/internal/security/device"
)

func versionData() VersionData {
	return VersionData{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// runStatus reports device, ledger and key state without side effects:
// no baseline is bound and nothing is audited.
func runStatus(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	cfg := rt.Config

	data := StatusData{
		Version:    Version,
		Env:        cfg.General.Env,
		DataDir:    cfg.General.DataDir,
		ActorID:    cfg.General.ActorID,
		Role:       "unassigned",
		KEKSource:  rt.KEKSource.String(),
		OTPEnabled: cfg.OTP.Enabled,
		Device: DeviceInfo{
			Fingerprint: rt.Trust.Fingerprint(),
		},
		Audit: AuditInfo{
			Driver:  cfg.Audit.Driver,
			Head:    rt.Ledger.Head(),
			Pending: rt.Ledger.Pending(),
		},
	}

	if cfg.General.ActorID != "" {
		if a, ok := rt.Roles.Lookup(cfg.General.ActorID); ok {
			data.Role = string(a.Role)
		}
		stored, err := rt.Baselines.Load(ctx, device.BaselineKey(cfg.General.ActorID))
		if err != nil {
			return fmt.Errorf("load device baseline: %w", err)
		}
		if stored != nil {
			data.Device.Baseline = true
			rt.Trust.VerifyTrust(stored)
			data.Device.TrustScore = rt.Trust.TrustScore()
		}
		if data.OTPEnrolled, err = rt.OTP.Enrolled(ctx, cfg.General.ActorID); err != nil {
			return fmt.Errorf("check otp enrollment: %w", err)
		}
	}

	records, err := rt.Vault.List(ctx)
	if err != nil {
		return err
	}
	data.Records = len(records)

	return inv.emit("status", data, func(w io.Writer) {
		fmt.Fprintln(w, RenderConditional(TitleStyle, "kavach status"))
		row := func(label, value string) {
			fmt.Fprintf(w, "%s %s\n", RenderLabel(label), value)
		}
		row("Version", data.Version)
		row("Environment", data.Env)
		row("Data dir", data.DataDir)
		row("Actor", orDash(data.ActorID)+" ("+data.Role+")")
		row("KEK source", data.KEKSource)

		fmt.Fprintln(w, RenderConditional(SectionStyle, "Device"))
		row("Fingerprint", data.Device.Fingerprint)
		switch {
		case !data.Device.Baseline:
			row("Trust", RenderStatus("pending")+" no baseline bound yet")
		case data.Device.TrustScore >= device.TrustThreshold:
			row("Trust", fmt.Sprintf("%s %d", RenderStatus("trusted"), data.Device.TrustScore))
		default:
			row("Trust", fmt.Sprintf("%s %d", RenderStatus("untrusted"), data.Device.TrustScore))
		}

		fmt.Fprintln(w, RenderConditional(SectionStyle, "Audit"))
		row("Driver", data.Audit.Driver)
		row("Head", data.Audit.Head)
		row("Queued", fmt.Sprintf("%d", data.Audit.Pending))

		fmt.Fprintln(w, RenderConditional(SectionStyle, "Other"))
		row("OTP", fmt.Sprintf("enabled=%t enrolled=%t", data.OTPEnabled, data.OTPEnrolled))
		row("Vault records", fmt.Sprintf("%d", data.Records))
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
