// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - The audit command.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jeranaias/kavach/internal/export"
	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/util"
)

// EventOperatorNote is written by "audit note".
const EventOperatorNote = "OPERATOR_NOTE"

// ErrChainBroken is returned by "audit verify" when the chain fails replay.
var ErrChainBroken = errors.New("audit chain broken")

func runAudit(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "show", "":
		return auditShow(ctx, inv)
	case "verify":
		return auditVerify(ctx, inv)
	case "flush":
		return auditFlush(ctx, inv)
	case "note":
		return auditNote(ctx, inv)
	case "export":
		return auditExport(ctx, inv)
	default:
		return usageErrorf("unknown audit subcommand %q (show, verify, flush, note, export)", sub)
	}
}

// auditShow prints the newest persisted entries.
func auditShow(ctx context.Context, inv *invocation) error {
	if _, err := inv.authorize(ctx, access.ActionViewAuditLogs, access.Env{}); err != nil {
		return err
	}
	rt := inv.rt
	limit, err := inv.args.FlagInt("limit", rt.Config.Audit.FetchLimit)
	if err != nil {
		return usageErrorf("%v", err)
	}
	entries, err := rt.Ledger.FetchLogs(ctx, limit)
	if err != nil {
		return err
	}

	return inv.emit("audit show", entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No audit entries.")
			return
		}
		t := newTable([]string{"TIME", "ACTOR", "ACTION", "HASH", "METADATA"}, 0, 16, 30, 12, 48)
		for _, e := range entries {
			t.add(e.Timestamp, e.ActorID, e.Action, e.CurrentHash, e.Metadata)
		}
		t.write(w)
		if n := rt.Ledger.Pending(); n > 0 {
			fmt.Fprintln(w, RenderConditional(WarningStyle, fmt.Sprintf("%d entries queued offline", n)))
		}
	})
}

// auditVerify replays the chain from genesis.
func auditVerify(ctx context.Context, inv *invocation) error {
	if _, err := inv.authorize(ctx, access.ActionViewAuditLogs, access.Env{}); err != nil {
		return err
	}
	res, err := inv.rt.Ledger.Verify(ctx)
	if err != nil {
		return err
	}

	if err := inv.emit("audit verify", res, func(w io.Writer) {
		if res.Valid {
			fmt.Fprintf(w, "%s chain intact (%d entries)\n", RenderStatus("valid"), res.Checked)
			return
		}
		fmt.Fprintf(w, "%s chain broken at entry %d of %d\n", RenderStatus("broken"), res.FirstBroken(), res.Checked)
		for _, issue := range res.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w: first broken entry %d", ErrChainBroken, res.FirstBroken())
	}
	return nil
}

// auditFlush pushes queued entries to the store.
func auditFlush(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	n, err := rt.Ledger.Flush(ctx)
	data := map[string]int{"flushed": n, "pending": rt.Ledger.Pending()}
	if err != nil {
		return fmt.Errorf("flushed %d, %d still queued: %w", n, data["pending"], err)
	}
	return inv.emit("audit flush", data, func(w io.Writer) {
		fmt.Fprintf(w, "Flushed %d queued entries.\n", n)
	})
}

// auditNote appends an operator note: kavach audit note <text> [k=v ...].
func auditNote(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	actor, err := inv.actor(ctx)
	if err != nil {
		return err
	}

	var text []string
	var pairs []string
	for _, arg := range inv.args.PositionalFrom(1) {
		if strings.Contains(arg, "=") && len(text) > 0 {
			pairs = append(pairs, arg)
			continue
		}
		text = append(text, arg)
	}
	if len(text) == 0 {
		return usageErrorf("audit note <text> [key=value ...]")
	}
	md, err := parseMeta(pairs)
	if err != nil {
		return usageErrorf("%v", err)
	}
	md["note"] = strings.Join(text, " ")
	md["role"] = actor.Role

	entry, err := rt.Ledger.Log(ctx, EventOperatorNote, md, actor.ID)
	if err != nil {
		return err
	}
	return inv.emit("audit note", entry, func(w io.Writer) {
		state := "persisted"
		if !entry.Synced {
			state = "queued"
		}
		fmt.Fprintf(w, "Logged %s (%s) %s\n", entry.ID, state, entry.CurrentHash)
	})
}

// auditExport writes a verified extract of the ledger:
// kavach audit export [--format json|markdown|csv] [--out file|--dir dir] [--limit n].
func auditExport(ctx context.Context, inv *invocation) error {
	actor, err := inv.authorize(ctx, access.ActionExportReports, access.Env{})
	if err != nil {
		return err
	}
	rt := inv.rt
	format, err := export.ParseFormat(inv.args.FlagOrDefault("format", string(export.FormatMarkdown)))
	if err != nil {
		return usageErrorf("%v", err)
	}
	limit, err := inv.args.FlagInt("limit", rt.Config.Audit.FetchLimit)
	if err != nil {
		return usageErrorf("%v", err)
	}

	res, err := rt.Ledger.Verify(ctx)
	if err != nil {
		return err
	}
	entries, err := rt.Ledger.FetchLogs(ctx, limit)
	if err != nil {
		return err
	}
	slices.Reverse(entries)

	report := &export.Report{
		GeneratedAt:  time.Now().UTC(),
		GeneratedBy:  actor.ID,
		Role:         string(actor.Role),
		Head:         rt.Ledger.Head(),
		Verification: res,
		Entries:      entries,
	}
	exporter, err := export.New(format, nil)
	if err != nil {
		return err
	}

	var path string
	switch out, dir := inv.args.Flag("out", "o"), inv.args.Flag("dir"); {
	case out != "":
		content, err := exporter.Export(report)
		if err != nil {
			return err
		}
		if err := util.AtomicWriteFile(out, content, 0600); err != nil {
			return err
		}
		path = out
	case dir != "":
		if path, err = export.ExportToFile(report, exporter, dir); err != nil {
			return err
		}
	}

	if _, err := rt.Ledger.Log(ctx, export.EventExported, map[string]any{
		"format":  format,
		"entries": len(entries),
		"head":    report.Head,
		"valid":   res.Valid,
		"path":    path,
	}, actor.ID); err != nil {
		return err
	}

	if path == "" {
		if inv.json {
			return inv.emit("audit export", report, nil)
		}
		content, err := exporter.Export(report)
		if err != nil {
			return err
		}
		inv.emitted = true
		_, err = inv.app.Out.Write(content)
		return err
	}
	data := map[string]any{"path": path, "format": format, "entries": len(entries), "valid": res.Valid}
	return inv.emit("audit export", data, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d entries to %s\n", len(entries), path)
	})
}
