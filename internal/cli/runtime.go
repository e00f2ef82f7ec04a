// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// runtime.go - Wires configuration into the security services.

package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/kavach/internal/config"
	"github.com/jeranaias/kavach/internal/db"
	"github.com/jeranaias/kavach/internal/logging"
	"github.com/jeranaias/kavach/internal/security/access"
	"github.com/jeranaias/kavach/internal/security/audit"
	"github.com/jeranaias/kavach/internal/security/auth"
	"github.com/jeranaias/kavach/internal/security/crypto"
	"github.com/jeranaias/kavach/internal/security/device"
	"github.com/jeranaias/kavach/internal/security/ratelimit"
	"github.com/jeranaias/kavach/internal/security/retention"
	"github.com/jeranaias/kavach/internal/session"
)

// Runtime holds every service a command may need. Build one per
// invocation with NewRuntime and release it with Close.
type Runtime struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Ledger    *audit.Ledger
	KEKSource crypto.KEKSource
	Codec     *crypto.EnvelopeCodec
	Keys      *crypto.KeyManager
	Baselines *device.FileStore
	Trust     *device.TrustEngine
	Access    *access.Engine
	Roles     *access.Registry
	Limiter   *ratelimit.Limiter
	OTP       *auth.TOTPVerifier
	Vault     *retention.Vault
	Retention *retention.Engine
	Sessions  *session.Manager

	conn   *sql.DB
	worker *db.Worker
}

// RuntimeOption configures NewRuntime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	probe  device.Probe
	logout func(reason string)
}

// WithProbe replaces the host probe.
func WithProbe(p device.Probe) RuntimeOption {
	return func(o *runtimeOptions) {
		o.probe = p
	}
}

// WithLogout is called when the session manager ends a session on its own.
func WithLogout(fn func(reason string)) RuntimeOption {
	return func(o *runtimeOptions) {
		o.logout = fn
	}
}

// NewRuntime builds the services described by cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (rt *Runtime, err error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.probe == nil {
		o.probe = device.NewHostProbe(device.WithProgram("kavach"))
	}

	rt = &Runtime{Config: cfg, Logger: logging.Component("runtime")}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	// Device trust comes first: the ledger stamps its fingerprint.
	rt.Baselines = device.NewFileStore(cfg.Device.BaselineDir)
	rt.Trust = device.NewTrustEngine(o.probe, rt.Baselines, device.WithLogger(logging.Component("device")))

	store, err := rt.openAuditStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.Ledger, err = audit.NewLedger(ctx, store,
		audit.WithFingerprint(rt.Trust.Fingerprint),
		audit.WithQueueFile(cfg.Audit.QueueFile),
		audit.WithLogger(logging.Component("audit")),
	)
	if err != nil {
		return nil, fmt.Errorf("attach audit ledger: %w", err)
	}

	kekLogger := logging.Component("crypto")
	kek, src, err := crypto.LoadKEK(crypto.KEKConfig{
		Env:     cfg.General.Env,
		KeyFile: cfg.Crypto.KEKFile,
		Logger:  &kekLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("load KEK: %w", err)
	}
	rt.KEKSource = src
	rt.Codec, err = crypto.NewEnvelopeCodec(kek)
	if err != nil {
		crypto.Zero(kek)
		return nil, err
	}
	registryKey, err := crypto.DeriveSubkey(kek, "kavach role registry v1")
	crypto.Zero(kek)
	if err != nil {
		return nil, err
	}
	rt.Roles, err = access.OpenRegistry(cfg.Access.RegistryFile, registryKey, rt.Ledger,
		access.WithRegistryLogger(logging.Component("access")),
	)
	crypto.Zero(registryKey)
	if err != nil {
		return nil, fmt.Errorf("open role registry: %w", err)
	}

	keyOpts := []crypto.KeyManagerOption{
		crypto.WithIterations(cfg.Crypto.Iterations),
		crypto.WithKeyLogger(kekLogger),
	}
	if cfg.Crypto.PersistIdentity {
		keyOpts = append(keyOpts, crypto.WithIdentityStore(crypto.NewFileIdentityStore(cfg.Crypto.IdentityDir)))
	}
	rt.Keys = crypto.NewKeyManager(keyOpts...)

	grants, err := access.GrantTable(cfg.Access.EmergencyGrants)
	if err != nil {
		return nil, fmt.Errorf("access.emergency_grants: %w", err)
	}
	rt.Access = access.NewEngine(rt.Ledger, rt.Trust,
		access.WithEmergencyGrants(grants),
		access.WithLogger(logging.Component("access")),
	)

	rt.Limiter = ratelimit.New(cfg.RateLimit)
	rt.OTP = auth.NewTOTPVerifier(
		auth.NewFileSecretStore(cfg.OTP.SecretDir, rt.Codec),
		auth.WithIssuer(cfg.OTP.Issuer),
	)

	schedule := make(map[retention.PolicyClass]int, len(cfg.Retention.Schedule))
	for class, days := range cfg.Retention.Schedule {
		schedule[retention.PolicyClass(class)] = days
	}
	rt.Vault = retention.NewVault(cfg.Retention.VaultDir, rt.Codec)
	rt.Retention = retention.NewEngine(rt.Ledger, rt.Vault,
		retention.WithSchedule(schedule),
		retention.WithLogger(logging.Component("retention")),
	)

	deps := session.Deps{
		Keys:      rt.Keys,
		Trust:     rt.Trust,
		Limiter:   rt.Limiter,
		Ledger:    rt.Ledger,
		Overrides: rt.Access,
	}
	if cfg.OTP.Enabled {
		deps.Verifier = rt.OTP
	}
	sessOpts := []session.Option{
		session.WithMonitorInterval(cfg.Device.MonitorInterval),
		session.WithSyncInterval(cfg.Audit.SyncInterval),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithLogger(logging.Component("session")),
	}
	if cfg.Device.WatchBaseline {
		sessOpts = append(sessOpts, session.WithBaselineWatch(rt.Baselines.Dir()))
	}
	if o.logout != nil {
		sessOpts = append(sessOpts, session.WithLogoutHook(o.logout))
	}
	rt.Sessions = session.NewManager(deps, sessOpts...)

	return rt, nil
}

func (rt *Runtime) openAuditStore(ctx context.Context) (audit.Store, error) {
	switch rt.Config.Audit.Driver {
	case "memory":
		conn, err := db.OpenMemory(ctx, "kavach-"+uuid.NewString())
		if err != nil {
			return nil, err
		}
		rt.conn = conn
	default:
		conn, err := db.Open(ctx, rt.Config.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		rt.conn = conn
	}
	rt.worker = db.NewWorker(rt.conn)
	return audit.NewSQLiteStore(rt.conn, rt.worker), nil
}

// VerifyDevice scores this host against actorID's baseline, binding one
// on first use.
func (rt *Runtime) VerifyDevice(ctx context.Context, actorID string) (bool, error) {
	return rt.Trust.VerifyActor(ctx, actorID)
}

// Close flushes what it can and releases the database.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Ledger != nil && rt.Ledger.Pending() > 0 {
		if _, err := rt.Ledger.Flush(context.Background()); err != nil {
			rt.Logger.Warn().Err(err).Int("pending", rt.Ledger.Pending()).Msg("audit entries left queued")
		}
	}
	if rt.Keys != nil {
		rt.Keys.DestroyAllKeys()
	}
	if rt.worker != nil {
		rt.worker.Close()
	}
	if rt.conn != nil {
		errs = append(errs, rt.conn.Close())
	}
	return errors.Join(errs...)
}
