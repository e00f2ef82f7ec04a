// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kavach/internal/security/ratelimit"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KAVACH_ENV", "KAVACH_DATA_DIR", "KAVACH_ACTOR", "KAVACH_ROLE",
		"KAVACH_LOG_LEVEL", "KAVACH_LOG_FORMAT", "KAVACH_OTP"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("KAVACH_DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.General.Env)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.Equal(t, 30*time.Second, cfg.Device.MonitorInterval)
	assert.Equal(t, MinIterations, cfg.Crypto.Iterations)
	assert.Equal(t, filepath.Join(dir, "audit.db"), cfg.Audit.DBPath)
	assert.Equal(t, filepath.Join(dir, "device"), cfg.Device.BaselineDir)
	assert.Equal(t, filepath.Join(dir, "vault"), cfg.Retention.VaultDir)
	assert.Equal(t, ratelimit.DefaultRules(), cfg.RateLimit)
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[general]
env = "production"
data_dir = "/srv/kavach"
actor_id = "insp-7"
role = "inspector"

[logging]
level = "debug"
format = "json"

[audit]
sync_interval = "10s"

[device]
monitor_interval = "5s"

[access.emergency_grants]
officer = ["dispatch_units", "broadcast_alert"]

[ratelimit.login]
max = 3
window = "5m"

[retention.schedule]
temporary_cache = 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, cfg.General.Env)
	assert.Equal(t, "insp-7", cfg.General.ActorID)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10*time.Second, cfg.Audit.SyncInterval)
	assert.Equal(t, 5*time.Second, cfg.Device.MonitorInterval)
	assert.Equal(t, []string{"dispatch_units", "broadcast_alert"}, cfg.Access.EmergencyGrants["officer"])
	assert.Equal(t, ratelimit.Rule{Max: 3, Window: 5 * time.Minute}, cfg.RateLimit["login"])
	assert.Equal(t, 1, cfg.Retention.Schedule["temporary_cache"])
	assert.Equal(t, "/srv/kavach/audit.db", filepath.ToSlash(cfg.Audit.DBPath))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[general]\nenvironment = \"production\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "general.environment")
}

func TestLoadFromPath_RequiresFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAVACH_ENV", "PRODUCTION")
	t.Setenv("KAVACH_LOG_LEVEL", "warn")
	t.Setenv("KAVACH_ACTOR", "dsp-1")
	t.Setenv("KAVACH_OTP", "true")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, EnvProduction, cfg.General.Env)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "dsp-1", cfg.General.ActorID)
	assert.True(t, cfg.OTP.Enabled)
}

func TestValidate_CollectsErrors(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	require.NoError(t, cfg.SetDefaults())

	cfg.General.Env = "staging"
	cfg.Logging.Level = "loud"
	cfg.Audit.Driver = "postgres"
	cfg.Crypto.Iterations = 1000
	cfg.RateLimit["login"] = ratelimit.Rule{Max: 0, Window: time.Minute}
	cfg.Retention.Schedule["forever"] = 10
	cfg.Retention.Schedule["temporary_cache"] = 0
	cfg.OTP.Enabled = true
	cfg.OTP.Issuer = ""

	err := cfg.Validate()
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, len(verrs))
	for i, e := range verrs {
		fields[i] = e.Field
	}
	assert.ElementsMatch(t, []string{
		"general.env",
		"logging.level",
		"audit.driver",
		"crypto.iterations",
		"ratelimit.login.max",
		"retention.schedule.forever",
		"retention.schedule.temporary_cache",
		"otp.issuer",
	}, fields)
}

func TestDefault_Validates(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAVACH_DATA_DIR", t.TempDir())
	cfg := Default()
	cfg.ApplyEnvOverrides()
	require.NoError(t, cfg.SetDefaults())
	require.NoError(t, cfg.Validate())
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("audit.driver")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", v)

	require.NoError(t, cfg.Set("audit.fetch_limit", "25"))
	assert.Equal(t, 25, cfg.Audit.FetchLimit)

	require.NoError(t, cfg.Set("device.monitor_interval", "45s"))
	assert.Equal(t, 45*time.Second, cfg.Device.MonitorInterval)

	require.NoError(t, cfg.Set("otp.enabled", "yes"))
	assert.True(t, cfg.OTP.Enabled)

	require.NoError(t, cfg.Set("crypto.kek_file", "/etc/kavach/kek"))
	assert.Equal(t, "/etc/kavach/kek", cfg.Crypto.KEKFile)

	_, err = cfg.Get("audit.nope")
	require.Error(t, err)
	require.Error(t, cfg.Set("audit.driver.x", "y"))
	require.Error(t, cfg.Set("device.monitor_interval", "soon"))
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg := Default()
	cfg.General.DataDir = dir
	cfg.General.ActorID = "alice"
	cfg.Device.MonitorInterval = 12 * time.Second
	cfg.Access.EmergencyGrants["officer"] = []string{"dispatch_units"}
	require.NoError(t, cfg.SetDefaults())

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.General.ActorID)
	assert.Equal(t, 12*time.Second, got.Device.MonitorInterval)
	assert.Equal(t, cfg.RateLimit, got.RateLimit)
	assert.Equal(t, []string{"dispatch_units"}, got.Access.EmergencyGrants["officer"])
}
