// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - The session command and its interactive shell.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/security/crypto"
	"github.com/jeranaias/kavach/internal/session"
)

// ErrEmptyCredential indicates an empty credential at the prompt.
var ErrEmptyCredential = errors.New("credential must not be empty")

func runSession(ctx context.Context, inv *invocation) error {
	switch sub := inv.args.Positional(0); sub {
	case "start", "":
		return sessionStart(ctx, inv)
	default:
		return usageErrorf("unknown session subcommand %q (start)", sub)
	}
}

// sessionStart authenticates the actor, starts the monitored session and
// runs the shell until the operator ends it or the session is terminated.
func sessionStart(ctx context.Context, inv *invocation) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	actor, err := inv.actor(ctx)
	if err != nil {
		return err
	}

	p := inv.app.prompt
	credential, err := p.Secret("Credential for " + actor.ID + ": ")
	if err != nil {
		return err
	}
	if credential == "" {
		return ErrEmptyCredential
	}
	var code string
	if rt.Config.OTP.Enabled {
		if code, err = p.Line("One-time code: "); err != nil {
			return err
		}
	}

	st, err := rt.Sessions.Start(ctx, session.Credentials{
		ActorID:    actor.ID,
		Role:       actor.Role,
		Credential: credential,
		OTPCode:    code,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.app.Err, "%s session %s for %s (%s), device trust %d\n",
		RenderStatus("active"), st.SessionID, st.ActorID, st.Role, st.TrustScore)

	sh := &shell{inv: inv, rt: rt, out: inv.app.Out}
	return sh.run(ctx)
}

// =============================================================================
// LINE INPUT
// =============================================================================

type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// linerReader edits lines on a terminal.
// SECURITY: history stays in memory; messages typed here never reach disk.
type linerReader struct {
	state *liner.State
}

func newLinerReader() *linerReader {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	return &linerReader{state: st}
}

func (l *linerReader) ReadLine(prompt string) (string, error) {
	s, err := l.state.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) != "" {
		l.state.AppendHistory(s)
	}
	return s, nil
}

func (l *linerReader) Close() error { return l.state.Close() }

// plainReader reads piped input.
type plainReader struct {
	p *prompter
}

func (r plainReader) ReadLine(prompt string) (string, error) { return r.p.Line(prompt) }
func (r plainReader) Close() error { return nil }

// =============================================================================
// SHELL
// =============================================================================

type shell struct {
	inv *invocation
	rt  *Runtime
	out io.Writer
}

type readResult struct {
	line string
	err  error
}

const shellHelp = `Commands:
  status                               Session and trust status
  check <action> [--emergency]         Evaluate a permission
  breakglass <action> <justification>  Five-minute override for one action
  overrides                            List active overrides
  pubkey                               Print this actor's public key
  derive <conv> <peer-public-key>      Derive a conversation key
  send <conv> <text>                   Encrypt a message
  recv <conv> <packet-json>            Decrypt a message
  rotate <conv>                        Drop a conversation key
  end                                  Log out
`

func (sh *shell) run(ctx context.Context) error {
	var r lineReader = plainReader{p: sh.inv.app.prompt}
	if sh.inv.app.prompt.interactive() {
		r = newLinerReader()
	}
	defer r.Close()

	// Reads happen one at a time on request so prompts never interleave
	// with command output, while termination can still interrupt a
	// pending read.
	want := make(chan struct{})
	results := make(chan readResult, 1)
	go func() {
		for range want {
			line, err := r.ReadLine("kavach> ")
			results <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()
	defer close(want)

	for {
		if !sh.rt.Sessions.Active() {
			return sh.rt.Sessions.Wait()
		}
		want <- struct{}{}

		var res readResult
		select {
		case res = <-results:
		case <-sh.inv.terminated:
			return sh.rt.Sessions.Wait()
		}
		if res.err != nil {
			if !errors.Is(res.err, ErrNoInput) && !errors.Is(res.err, liner.ErrPromptAborted) {
				sh.rt.Logger.Warn().Err(res.err).Msg("shell input failed")
			}
			return sh.end(ctx)
		}
		if !sh.rt.Sessions.Active() {
			return sh.rt.Sessions.Wait()
		}

		sh.rt.Sessions.RecordActivity()
		fields := strings.Fields(res.line)
		if len(fields) == 0 {
			continue
		}
		done, err := sh.exec(ctx, fields)
		if err != nil {
			fmt.Fprintf(sh.inv.app.Err, "%s %v\n", RenderConditional(ErrorStyle, "Error:"), err)
		}
		if done {
			return sh.end(ctx)
		}
	}
}

func (sh *shell) end(ctx context.Context) error {
	st := sh.rt.Sessions.Status()
	if err := sh.rt.Sessions.End(ctx); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return sh.rt.Sessions.Wait()
		}
		return err
	}
	fmt.Fprintf(sh.inv.app.Err, "Session ended after %s.\n", session.FormatDuration(st.Duration))
	return nil
}

// exec runs one shell command and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, fields []string) (bool, error) {
	actor := sh.rt.Sessions.Actor()
	keys := sh.rt.Keys
	args := NewArgParser(fields[1:])

	switch fields[0] {
	case "end", "exit", "quit", "logout":
		return true, nil

	case "help", "?":
		fmt.Fprint(sh.out, shellHelp)

	case "status":
		st := sh.rt.Sessions.Status()
		fmt.Fprintf(sh.out, "%s %s\n", RenderLabel("Session"), st.SessionID)
		fmt.Fprintf(sh.out, "%s %s (%s)\n", RenderLabel("Actor"), st.ActorID, st.Role)
		fmt.Fprintf(sh.out, "%s %d\n", RenderLabel("Device trust"), st.TrustScore)
		fmt.Fprintf(sh.out, "%s %s\n", RenderLabel("Duration"), session.FormatDuration(st.Duration))
		if st.RemainingTime > 0 {
			fmt.Fprintf(sh.out, "%s %s\n", RenderLabel("Idle logout in"), session.FormatDuration(st.RemainingTime))
		}

	case "check":
		action, err := access.ParseAction(args.Positional(0))
		if err != nil {
			return false, err
		}
		env := access.Env{IsEmergency: args.BoolFlag("emergency")}
		if err := sh.rt.Access.Authorize(ctx, actor, action, env); err != nil {
			fmt.Fprintf(sh.out, "%s %s: %v\n", RenderStatus("denied"), action, err)
			return false, nil
		}
		fmt.Fprintf(sh.out, "%s %s\n", RenderStatus("ok"), action)

	case "breakglass":
		action, err := access.ParseAction(args.Positional(0))
		if err != nil {
			return false, err
		}
		ov, err := sh.rt.Access.BreakGlass(ctx, actor, action, strings.Join(args.PositionalFrom(1), " "))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "%s override %s for %s until %s\n",
			RenderStatus("warn"), ov.ID, ov.Action, ov.ExpiresAt.Format("15:04:05"))

	case "overrides":
		ovs := sh.rt.Access.ActiveOverrides(actor.ID)
		if len(ovs) == 0 {
			fmt.Fprintln(sh.out, "No active overrides.")
			return false, nil
		}
		t := newTable([]string{"ACTION", "EXPIRES", "JUSTIFICATION"}, 0, 0, 50)
		for _, ov := range ovs {
			t.add(string(ov.Action), ov.ExpiresAt.Format("15:04:05"), ov.Justification)
		}
		t.write(sh.out)

	case "pubkey":
		pub, err := keys.PublicKey()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, pub)

	case "derive":
		conv, peer := args.Positional(0), args.Positional(1)
		if conv == "" || peer == "" {
			return false, usageErrorf("derive <conv> <peer-public-key>")
		}
		if err := keys.DeriveSessionKey(peer, conv); err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "Conversation key ready for %s\n", conv)

	case "send":
		conv := args.Positional(0)
		if conv == "" || args.PositionalCount() < 2 {
			return false, usageErrorf("send <conv> <text>")
		}
		if err := sh.rt.Access.Authorize(ctx, actor, access.ActionSendMessage, access.Env{}); err != nil {
			return false, err
		}
		text := strings.Join(fields[2:], " ")
		pkt, err := keys.EncryptMessage([]byte(text), conv)
		if err != nil {
			return false, err
		}
		b, err := json.Marshal(pkt)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, string(b))

	case "recv":
		conv := args.Positional(0)
		if conv == "" || len(fields) < 3 {
			return false, usageErrorf("recv <conv> <packet-json>")
		}
		if err := sh.rt.Access.Authorize(ctx, actor, access.ActionViewMessages, access.Env{}); err != nil {
			return false, err
		}
		var pkt crypto.EncryptedPacket
		if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &pkt); err != nil {
			return false, fmt.Errorf("decode packet: %w", err)
		}
		plaintext, err := keys.DecryptMessage(&pkt, conv)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, string(plaintext))

	case "rotate":
		conv := args.Positional(0)
		if conv == "" {
			return false, usageErrorf("rotate <conv>")
		}
		keys.RotateKey(conv)
		fmt.Fprintf(sh.out, "Conversation key for %s destroyed; derive again to continue.\n", conv)

	default:
		return false, fmt.Errorf("unknown command %q (type help)", fields[0])
	}
	return false, nil
}
