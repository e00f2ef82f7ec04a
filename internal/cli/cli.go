// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command dispatch, global flags and exit codes.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/kavach/internal/config"
	"github.com/jeranaias/kavach/internal/logging"
	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/security/auth"
	"github.com/jeranaias/kavach/internal/security/device"
	"github.com/jeranaias/kavach/internal/security/ratelimit"
	"github.com/jeranaias/kavach/internal/security/retention"
	"github.com/jeranaias/kavach/internal/session"
)

// Build information, set by main.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitUsage  = 2
	ExitDenied = 3
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrUsage marks an invocation the parser could not make sense of.
var ErrUsage = errors.New("usage")

// ErrNoActor indicates neither --actor nor general.actor_id was set.
var ErrNoActor = errors.New("no actor: pass --actor or set general.actor_id")

var (
	// ErrAuthenticationFailed indicates a wrong credential for a
	// sensitive command.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrCredentialUnverifiable indicates sensitive commands cannot check
	// a credential because identities are not persisted.
	ErrCredentialUnverifiable = errors.New("sensitive commands need crypto.persist_identity to verify credentials")
)

// EventAuthFailed is audited when a sensitive command's credential or
// one-time code is rejected.
const EventAuthFailed = "AUTHENTICATION_FAILED"

// credentialActions change or disclose protected state; one-shot commands
// performing them must prove the actor's credential.
var credentialActions = map[access.Action]bool{
	access.ActionDeleteEvidence:    true,
	access.ActionManageRetention:   true,
	access.ActionLegalHold:         true,
	access.ActionExportReports:     true,
	access.ActionManageUsers:       true,
	access.ActionRemoteWipe:        true,
	access.ActionActivateEmergency: true,
	access.ActionResetDevice:       true,
}

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, access.ErrPermissionDenied),
		errors.Is(err, access.ErrNotAssigned),
		errors.Is(err, access.ErrRoleNotAssigned),
		errors.Is(err, access.ErrNotAdmin),
		errors.Is(err, access.ErrBootstrap),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, retention.ErrRetentionBlocked),
		errors.Is(err, session.ErrTrustVerificationFailed),
		errors.Is(err, session.ErrSessionTerminated),
		errors.Is(err, auth.ErrOTPNotVerified),
		errors.Is(err, ratelimit.ErrRateLimited):
		return ExitDenied
	default:
		return ExitError
	}
}

// =============================================================================
// APP
// =============================================================================

// App runs kavach commands against explicit streams.
type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// Probe replaces the host device probe when set.
	Probe device.Probe

	prompt *prompter
}

// NewApp creates an App reading from in and writing to out and errw.
func NewApp(in io.Reader, out, errw io.Writer) *App {
	return &App{In: in, Out: out, Err: errw}
}

// invocation is one parsed command line.
type invocation struct {
	app     *App
	args    *ArgParser
	json    bool
	cfgPath string
	cfg     *config.Config
	rt      *Runtime
	emitted bool

	// terminated receives the reason when the session manager ends a
	// session on its own.
	terminated chan string
}

type handler func(ctx context.Context, inv *invocation) error

// command describes a top-level command. Configuration and services are
// loaded lazily, so envelope genkek and config init work on a bare host.
type command struct {
	name    string
	summary string
	run     handler
}

func commands() []command {
	return []command{
		{name: "status", summary: "Show device trust, ledger and key status", run: runStatus},
		{name: "session", summary: "Start an authenticated, monitored session", run: runSession},
		{name: "audit", summary: "Show, verify, export or annotate the audit ledger", run: runAudit},
		{name: "access", summary: "Show roles, check permissions, manage role assignments", run: runAccess},
		{name: "retention", summary: "Store, hold and destroy retained records", run: runRetention},
		{name: "envelope", summary: "Generate a KEK, seal and open envelopes", run: runEnvelope},
		{name: "otp", summary: "Enroll and verify one-time codes", run: runOTP},
		{name: "config", summary: "Show, get, set and initialize configuration", run: runConfig},
		{name: "version", summary: "Print version information", run: runVersion},
	}
}

// Run executes argv and returns the process exit code.
func (a *App) Run(ctx context.Context, argv []string) int {
	if a.prompt == nil {
		a.prompt = newPrompter(a.In, a.Err)
	}

	inv := &invocation{app: a, args: NewArgParser(argv)}
	inv.json = inv.args.BoolFlag("json")
	inv.cfgPath = inv.args.Flag("config", "c")

	name := inv.args.Positional(0)
	if name == "" || name == "help" || (inv.args.BoolFlag("help", "h") && inv.args.PositionalCount() <= 1) {
		a.usage(a.Out)
		if name == "" && !inv.args.BoolFlag("help", "h") {
			return ExitUsage
		}
		return ExitOK
	}

	var cmd *command
	all := commands()
	for i := range all {
		if all[i].name == name {
			cmd = &all[i]
			break
		}
	}
	if cmd == nil {
		return a.fail(inv, name, usageErrorf("unknown command %q (see 'kavach help')", name))
	}

	inv.args = inv.args.Shift()
	err := cmd.run(ctx, inv)
	if inv.rt != nil {
		if cerr := inv.rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return a.fail(inv, name, err)
	}
	return ExitOK
}

func (a *App) fail(inv *invocation, name string, err error) int {
	switch {
	case inv.json && inv.emitted:
		// The command already wrote its document; the exit code carries the error.
	case inv.json:
		NewJSONErrorResponse(name, err).Print(a.Out)
	default:
		fmt.Fprintf(a.Err, "%s %v\n", RenderConditional(ErrorStyle, "Error:"), err)
	}
	return exitCode(err)
}

func (a *App) usage(w io.Writer) {
	var b strings.Builder
	b.WriteString("kavach - zero-trust security core\n\n")
	b.WriteString("Usage:\n  kavach <command> [subcommand] [flags]\n\nCommands:\n")
	for _, c := range commands() {
		fmt.Fprintf(&b, "  %-10s %s\n", c.name, c.summary)
	}
	b.WriteString(`
Global flags:
  --config <path>   Configuration file (default ~/.kavach/config.toml)
  --actor <id>      Acting user (default general.actor_id)
  --role <role>     Expected role; must match the role registry
  --json            Emit one JSON document on stdout
`)
	fmt.Fprint(w, b.String())
}

// =============================================================================
// INVOCATION HELPERS
// =============================================================================

// loadConfig reads configuration and applies the --actor and --role flags.
func (inv *invocation) loadConfig() (*config.Config, error) {
	if inv.cfg != nil {
		return inv.cfg, nil
	}
	cfg, err := config.Load(inv.cfgPath)
	if err != nil {
		return nil, err
	}
	if v := inv.args.Flag("actor"); v != "" {
		cfg.General.ActorID = v
	}
	if v := inv.args.Flag("role"); v != "" {
		cfg.General.Role = v
	}
	logging.SetupWriter(inv.app.Err, cfg.Logging.Level, logging.Format(cfg.Logging.Format))
	inv.cfg = cfg
	return cfg, nil
}

// runtime loads configuration and builds the services once.
func (inv *invocation) runtime(ctx context.Context) (*Runtime, error) {
	if inv.rt != nil {
		return inv.rt, nil
	}
	cfg, err := inv.loadConfig()
	if err != nil {
		return nil, err
	}
	inv.terminated = make(chan string, 1)
	opts := []RuntimeOption{WithLogout(func(reason string) {
		fmt.Fprintf(inv.app.Err, "\n%s session ended: %s\n", RenderConditional(WarningStyle, "[!]"), reason)
		select {
		case inv.terminated <- reason:
		default:
		}
	})}
	if inv.app.Probe != nil {
		opts = append(opts, WithProbe(inv.app.Probe))
	}
	rt, err := NewRuntime(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	inv.rt = rt
	return rt, nil
}

// claimedActor returns the actor id and optional role claim from flags,
// environment and configuration. Nothing here is trusted yet.
func (inv *invocation) claimedActor() (string, access.Role, error) {
	cfg, err := inv.loadConfig()
	if err != nil {
		return "", "", err
	}
	if cfg.General.ActorID == "" {
		return "", "", ErrNoActor
	}
	var claimed access.Role
	if cfg.General.Role != "" {
		if claimed, err = access.ParseRole(cfg.General.Role); err != nil {
			return "", "", err
		}
	}
	return cfg.General.ActorID, claimed, nil
}

// actor resolves the acting identity. The role always comes from the
// role registry; a --role claim must match it.
func (inv *invocation) actor(ctx context.Context) (access.Actor, error) {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return access.Actor{}, err
	}
	id, claimed, err := inv.claimedActor()
	if err != nil {
		return access.Actor{}, err
	}
	role, err := rt.Roles.Resolve(id, claimed)
	if err != nil {
		return access.Actor{}, err
	}
	return access.Actor{ID: id, Role: role}, nil
}

// check verifies this device for the actor, then asks the permission
// engine. Both outcomes are audited by the engines.
func (inv *invocation) check(ctx context.Context, action access.Action, env access.Env) (access.Actor, error) {
	actor, err := inv.actor(ctx)
	if err != nil {
		return access.Actor{}, err
	}
	rt := inv.rt
	if _, err := rt.VerifyDevice(ctx, actor.ID); err != nil {
		rt.Logger.Warn().Err(err).Str("actor", actor.ID).Msg("device verification failed")
	}
	if err := rt.Access.Authorize(ctx, actor, action, env); err != nil {
		return actor, err
	}
	return actor, nil
}

// authorize is check plus, for sensitive actions, proof of the actor's
// credential.
func (inv *invocation) authorize(ctx context.Context, action access.Action, env access.Env) (access.Actor, error) {
	actor, err := inv.check(ctx, action, env)
	if err != nil {
		return actor, err
	}
	if credentialActions[action] {
		if err := inv.authenticate(ctx, actor.ID); err != nil {
			return actor, err
		}
	}
	return actor, nil
}

// authenticate prompts for actorID's credential, and one-time code when
// enabled, and checks them the way a session login does. The credential
// unlocks the persisted identity; a wrong one cannot.
func (inv *invocation) authenticate(ctx context.Context, actorID string) error {
	rt, err := inv.runtime(ctx)
	if err != nil {
		return err
	}
	if !rt.Config.Crypto.PersistIdentity {
		return ErrCredentialUnverifiable
	}
	if err := rt.Limiter.CheckAndIncrement(actorID, ratelimit.ActionLogin); err != nil {
		return err
	}

	p := inv.app.prompt
	credential, err := p.Secret("Credential for " + actorID + ": ")
	if err != nil {
		return err
	}
	if credential == "" {
		return ErrEmptyCredential
	}

	if rt.Config.OTP.Enabled {
		code, err := p.Line("One-time code: ")
		if err != nil {
			return err
		}
		if err := rt.Limiter.CheckAndIncrement(actorID, ratelimit.ActionOTPVerify); err != nil {
			return err
		}
		ok, err := rt.OTP.Verify(ctx, actorID, code)
		if err != nil || !ok {
			inv.authFailed(ctx, actorID, "otp_rejected")
			if err != nil {
				return fmt.Errorf("%w: %w", auth.ErrOTPNotVerified, err)
			}
			return auth.ErrOTPNotVerified
		}
	}

	// SECURITY: Keys unlocked here are destroyed when the runtime closes.
	if err := rt.Keys.Initialize(ctx, credential, actorID); err != nil {
		inv.authFailed(ctx, actorID, "credential")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return nil
}

func (inv *invocation) authFailed(ctx context.Context, actorID, reason string) {
	if _, err := inv.rt.Ledger.Log(ctx, EventAuthFailed, map[string]any{"reason": reason}, actorID); err != nil {
		inv.rt.Logger.Error().Err(err).Msg("failed to audit authentication failure")
	}
}

// emit writes data as JSON in --json mode, otherwise calls human.
func (inv *invocation) emit(command string, data any, human func(w io.Writer)) error {
	inv.emitted = true
	if inv.json {
		return NewJSONResponse(command, data).Print(inv.app.Out)
	}
	human(inv.app.Out)
	return nil
}

// note writes a human-readable line to stderr in --json mode and to
// stdout otherwise.
func (inv *invocation) note(format string, args ...any) {
	w := inv.app.Out
	if inv.json {
		w = inv.app.Err
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func runVersion(_ context.Context, inv *invocation) error {
	data := versionData()
	return inv.emit("version", data, func(w io.Writer) {
		fmt.Fprintf(w, "kavach %s (commit %s, built %s)\n", data.Version, data.GitCommit, data.BuildDate)
		fmt.Fprintf(w, "%s %s/%s\n", data.GoVersion, data.OS, data.Arch)
	})
}
