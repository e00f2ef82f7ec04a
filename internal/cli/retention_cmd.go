// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// retention_cmd.go - The retention command: vault records, legal holds
// and crypto-shredding.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/security/retention"
	"github.com/jeranaias/kavach/internal/util"
)

// maxPayload bounds what put and seal read into memory.
const maxPayload = 64 << 20

func runRetention(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "put":
		return retentionPut(ctx, inv)
	case "get":
		return retentionGet(ctx, inv)
	case "list", "":
		return retentionList(ctx, inv)
	case "hold":
		return retentionHold(ctx, inv)
	case "delete":
		return retentionDelete(ctx, inv)
	case "schedule":
		return retentionSchedule(ctx, inv)
	default:
		return usageErrorf("unknown retention subcommand %q (put, get, list, hold, delete, schedule)", sub)
	}
}

// readPayload reads path, or the command input for "" and "-".
func (inv *invocation) readPayload(path string) ([]byte, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = inv.app.prompt.reader
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayload {
		return nil, fmt.Errorf("input exceeds %d bytes", maxPayload)
	}
	return data, nil
}

// retentionPut encrypts a payload into the vault:
// kavach retention put <file|-> --class <policy_class> [--hold].
func retentionPut(ctx context.Context, inv *invocation) error {
	actor, err := inv.authorize(ctx, access.ActionUploadEvidence, access.Env{})
	if err != nil {
		return err
	}
	rt := inv.rt
	class, err := rt.Retention.ParsePolicyClass(inv.args.FlagOrDefault("class", string(retention.ClassStandardLogs)))
	if err != nil {
		return usageErrorf("%v", err)
	}
	payload, err := inv.readPayload(inv.args.Positional(1))
	if err != nil {
		return err
	}
	hold := inv.args.BoolFlag("hold")

	rec, err := rt.Vault.Put(ctx, class, payload, hold)
	if err != nil {
		return err
	}
	if _, err := rt.Ledger.Log(ctx, retention.EventRecordStored, map[string]any{
		"record_id":    rec.ID,
		"policy_class": rec.Class,
		"legal_hold":   rec.LegalHold,
		"bytes":        len(payload),
	}, actor.ID); err != nil {
		return err
	}

	exp, err := rt.Retention.ExpiresAt(rec.Class, rec.CreatedAt)
	if err != nil {
		return err
	}
	view := recordView{ID: rec.ID, Class: rec.Class, CreatedAt: rec.CreatedAt, ExpiresAt: exp, LegalHold: rec.LegalHold}
	return inv.emit("retention put", view, func(w io.Writer) {
		fmt.Fprintf(w, "Stored %s (%s), retained until %s\n", view.ID, view.Class, exp.Format("2006-01-02"))
	})
}

// retentionGet decrypts a record: kavach retention get <id> [--out file].
func retentionGet(ctx context.Context, inv *invocation) error {
	id := inv.args.Positional(1)
	if id == "" {
		return usageErrorf("retention get <id> [--out file]")
	}
	if _, err := inv.authorize(ctx, access.ActionViewEvidence, access.Env{}); err != nil {
		return err
	}
	payload, err := inv.rt.Vault.Open(ctx, id)
	if err != nil {
		return err
	}
	if out := inv.args.Flag("out", "o"); out != "" {
		if err := util.AtomicWriteFile(out, payload, 0600); err != nil {
			return err
		}
		inv.note("Wrote %d bytes to %s", len(payload), out)
		return nil
	}
	_, err = inv.app.Out.Write(payload)
	return err
}

// recordView is the listing shape of a vault record.
type recordView struct {
	ID         string                `json:"id"`
	Class      retention.PolicyClass `json:"policy_class"`
	CreatedAt  time.Time             `json:"created_at"`
	ExpiresAt  time.Time             `json:"expires_at"`
	LegalHold  bool                  `json:"legal_hold"`
	ShreddedAt *time.Time            `json:"shredded_at,omitempty"`
}

func retentionList(ctx context.Context, inv *invocation) error {
	if _, err := inv.authorize(ctx, access.ActionViewEvidence, access.Env{}); err != nil {
		return err
	}
	rt := inv.rt
	recs, err := rt.Vault.List(ctx)
	if err != nil {
		return err
	}
	views := make([]recordView, 0, len(recs))
	for _, r := range recs {
		exp, err := rt.Retention.ExpiresAt(r.Class, r.CreatedAt)
		if err != nil {
			return err
		}
		views = append(views, recordView{
			ID:         r.ID,
			Class:      r.Class,
			CreatedAt:  r.CreatedAt,
			ExpiresAt:  exp,
			LegalHold:  r.LegalHold,
			ShreddedAt: r.ShreddedAt,
		})
	}

	return inv.emit("retention list", views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No records.")
			return
		}
		t := newTable([]string{"ID", "CLASS", "CREATED", "EXPIRES", "STATE"})
		for _, v := range views {
			state := "retained"
			switch {
			case v.ShreddedAt != nil:
				state = "shredded"
			case v.LegalHold:
				state = "legal hold"
			}
			t.add(v.ID, string(v.Class), v.CreatedAt.Format("2006-01-02"), v.ExpiresAt.Format("2006-01-02"), state)
		}
		t.write(w)
	})
}

// retentionHold places or releases a legal hold:
// kavach retention hold <id> [--release].
func retentionHold(ctx context.Context, inv *invocation) error {
	id := inv.args.Positional(1)
	if id == "" {
		return usageErrorf("retention hold <id> [--release]")
	}
	actor, err := inv.authorize(ctx, access.ActionLegalHold, access.Env{})
	if err != nil {
		return err
	}
	hold := !inv.args.BoolFlag("release")
	if err := inv.rt.Vault.SetLegalHold(ctx, id, hold); err != nil {
		return err
	}
	if _, err := inv.rt.Ledger.Log(ctx, retention.EventLegalHoldSet, map[string]any{
		"record_id":  id,
		"legal_hold": hold,
	}, actor.ID); err != nil {
		return err
	}

	data := map[string]any{"record_id": id, "legal_hold": hold}
	return inv.emit("retention hold", data, func(w io.Writer) {
		if hold {
			fmt.Fprintf(w, "Legal hold placed on %s\n", id)
			return
		}
		fmt.Fprintf(w, "Legal hold released on %s\n", id)
	})
}

// retentionDelete crypto-shreds a record once retention allows it.
// SECURITY: criminal evidence needs delete_evidence, every other class
// manage_retention. The retention engine then applies holds and windows.
func retentionDelete(ctx context.Context, inv *invocation) error {
	id := inv.args.Positional(1)
	if id == "" {
		return usageErrorf("retention delete <id>")
	}
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	rec, err := rt.Vault.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Shredded() {
		return retention.ErrRecordShredded
	}

	action := access.ActionManageRetention
	if rec.Class == retention.ClassCriminalEvidence {
		action = access.ActionDeleteEvidence
	}
	actor, err := inv.authorize(ctx, action, access.Env{})
	if err != nil {
		return err
	}

	data := RetentionData{RecordID: rec.ID, Class: string(rec.Class)}
	blockErr := rt.Retention.CanDelete(ctx, rec.Class, rec.CreatedAt, rec.LegalHold, actor)
	var blocked *retention.RetentionBlockedError
	switch {
	case errors.As(blockErr, &blocked):
		data.Reason = string(blocked.Reason)
		if !blocked.ExpiresAt.IsZero() {
			exp := blocked.ExpiresAt
			data.ExpiresAt = &exp
		}
	case blockErr != nil:
		return blockErr
	default:
		if err := rt.Retention.SecureDelete(ctx, rec.ID, rec.Class, actor.ID); err != nil {
			return err
		}
		data.Deleted = true
	}

	if err := inv.emit("retention delete", data, func(w io.Writer) {
		if data.Deleted {
			fmt.Fprintf(w, "%s %s crypto-shredded\n", RenderStatus("ok"), data.RecordID)
			return
		}
		msg := fmt.Sprintf("%s %s retained: %s", RenderStatus("blocked"), data.RecordID, data.Reason)
		if data.ExpiresAt != nil {
			msg += " until " + data.ExpiresAt.Format("2006-01-02")
		}
		fmt.Fprintln(w, msg)
	}); err != nil {
		return err
	}
	return blockErr
}

type scheduleRow struct {
	Class retention.PolicyClass `json:"policy_class"`
	Days  int                   `json:"days"`
}

func retentionSchedule(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	var rows []scheduleRow
	for class, days := range rt.Retention.Schedule() {
		rows = append(rows, scheduleRow{Class: class, Days: days})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Class < rows[j].Class })

	return inv.emit("retention schedule", rows, func(w io.Writer) {
		t := newTable([]string{"CLASS", "DAYS", "YEARS"})
		for _, r := range rows {
			t.add(string(r.Class), fmt.Sprintf("%d", r.Days), fmt.Sprintf("%.1f", float64(r.Days)/365))
		}
		t.write(w)
	})
}
