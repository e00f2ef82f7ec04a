// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// envelope_cmd.go - The envelope command.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeranaias/kavach/internal/security/crypto"
)

func runEnvelope(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "genkek":
		return envelopeGenKEK(inv)
	case "seal":
		return envelopeSeal(ctx, inv)
	case "open":
		return envelopeOpen(ctx, inv)
	default:
		return usageErrorf("unknown envelope subcommand %q (genkek, seal, open)", sub)
	}
}

// envelopeGenKEK prints a fresh base64 KEK. It needs no configuration.
func envelopeGenKEK(inv *invocation) error {
	kek, err := crypto.GenerateKEK()
	if err != nil {
		return err
	}
	return inv.emit("envelope genkek", map[string]string{"kek": kek}, func(w io.Writer) {
		fmt.Fprintln(w, kek)
		fmt.Fprintf(inv.app.Err, "Export it as %s or write it to crypto.kek_file (mode 0600).\n", crypto.KEKEnvVar)
	})
}

// envelopeSeal encrypts a payload under a fresh data key: kavach envelope seal <file|->.
func envelopeSeal(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	payload, err := inv.readPayload(inv.args.Positional(1))
	if err != nil {
		return err
	}
	env, err := rt.Codec.Seal(payload)
	crypto.Zero(payload)
	if err != nil {
		return err
	}
	if inv.json {
		return inv.emit("envelope seal", env, nil)
	}
	return json.NewEncoder(inv.app.Out).Encode(env)
}

// envelopeOpen decrypts an envelope document: kavach envelope open <file|->.
func envelopeOpen(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	raw, err := inv.readPayload(inv.args.Positional(1))
	if err != nil {
		return err
	}
	var env crypto.EncryptedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrMalformedEnvelope, err)
	}
	plaintext, err := rt.Codec.Open(&env)
	if err != nil {
		return err
	}
	if inv.json {
		return inv.emit("envelope open", map[string]string{"plaintext": string(plaintext)}, nil)
	}
	_, err = inv.app.Out.Write(plaintext)
	return err
}
