// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// otp_cmd.go - The otp command.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/kavach/internal/config"
	"github.com/jeranaias/kavach/internal/security/auth"
	"github.com/jeranaias/kavach/internal/security/ratelimit"
)

// Audit events written by the otp command.
const (
	EventOTPIssued   = "OTP_ISSUED"
	EventOTPEnrolled = "OTP_ENROLLED"
	EventOTPVerified = "OTP_VERIFIED"
	EventOTPRejected = "OTP_REJECTED"
)

func runOTP(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "enroll":
		return otpEnroll(ctx, inv)
	case "verify":
		return otpVerify(ctx, inv)
	case "issue":
		return otpIssue(ctx, inv)
	default:
		return usageErrorf("unknown otp subcommand %q (enroll, verify, issue)", sub)
	}
}

type enrollData struct {
	ActorID string `json:"actor_id"`
	Issuer  string `json:"issuer"`
	Secret  string `json:"secret"`
	URL     string `json:"url"`
}

// otpEnroll creates (or replaces) the actor's TOTP secret and prints the
// provisioning URL once. The secret is stored encrypted.
func otpEnroll(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	actor, err := inv.actor(ctx)
	if err != nil {
		return err
	}
	key, err := rt.OTP.Enroll(ctx, actor.ID)
	if err != nil {
		return err
	}
	if _, err := rt.Ledger.Log(ctx, EventOTPEnrolled, map[string]any{"issuer": key.Issuer()}, actor.ID); err != nil {
		return err
	}

	data := enrollData{ActorID: actor.ID, Issuer: key.Issuer(), Secret: key.Secret(), URL: key.URL()}
	return inv.emit("otp enroll", data, func(w io.Writer) {
		fmt.Fprintf(w, "Enrolled %s\n", data.ActorID)
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Secret"), data.Secret)
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Provisioning URL"), data.URL)
		fmt.Fprintln(w, RenderConditional(DimStyle, "Add it to an authenticator app now; it is not shown again."))
	})
}

// otpVerify checks a code: kavach otp verify <code>.
func otpVerify(ctx context.Context, inv *invocation) error {
	code := inv.args.Positional(1)
	if code == "" {
		return usageErrorf("otp verify <code>")
	}
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	actor, err := inv.actor(ctx)
	if err != nil {
		return err
	}
	if err := rt.Limiter.CheckAndIncrement(actor.ID, ratelimit.ActionOTPVerify); err != nil {
		return err
	}

	ok, err := rt.OTP.Verify(ctx, actor.ID, code)
	event := EventOTPVerified
	if err != nil || !ok {
		event = EventOTPRejected
	}
	if _, lerr := rt.Ledger.Log(ctx, event, nil, actor.ID); lerr != nil {
		return lerr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrOTPNotVerified, err)
	}
	if !ok {
		return auth.ErrOTPNotVerified
	}
	return inv.emit("otp verify", map[string]bool{"verified": true}, func(w io.Writer) {
		fmt.Fprintf(w, "%s code accepted\n", RenderStatus("ok"))
	})
}

// ErrDevelopmentOnly guards commands that would weaken a production host.
var ErrDevelopmentOnly = errors.New("only available when general.env is development")

// otpIssue delivers the current code on stderr. It stands in for an SMS
// or mail gateway on development hosts.
func otpIssue(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	if rt.Config.General.Env != config.EnvDevelopment {
		return ErrDevelopmentOnly
	}
	actor, err := inv.actor(ctx)
	if err != nil {
		return err
	}
	if err := rt.Limiter.CheckAndIncrement(actor.ID, ratelimit.ActionOTPSend); err != nil {
		return err
	}

	console := auth.CodeSenderFunc(func(_ context.Context, actorID, code string) error {
		_, err := fmt.Fprintf(inv.app.Err, "one-time code for %s: %s\n", actorID, code)
		return err
	})
	if err := rt.OTP.Issue(ctx, actor.ID, console); err != nil {
		return err
	}
	if _, err := rt.Ledger.Log(ctx, EventOTPIssued, map[string]any{"channel": "console"}, actor.ID); err != nil {
		return err
	}
	return inv.emit("otp issue", map[string]string{"channel": "console"}, func(w io.Writer) {
		fmt.Fprintln(w, "Code sent.")
	})
}
