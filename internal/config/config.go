// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jeranaias/kavach/internal/security/ratelimit"
	"github.com/jeranaias/kavach/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config represents the complete kavach configuration.
type Config struct {
	General   GeneralConfig             `toml:"general" json:"general"`
	Logging   LoggingConfig             `toml:"logging" json:"logging"`
	Audit     AuditConfig               `toml:"audit" json:"audit"`
	Crypto    CryptoConfig              `toml:"crypto" json:"crypto"`
	Device    DeviceConfig              `toml:"device" json:"device"`
	Session   SessionConfig             `toml:"session" json:"session"`
	Access    AccessConfig              `toml:"access" json:"access"`
	RateLimit map[string]ratelimit.Rule `toml:"ratelimit" json:"ratelimit"`
	OTP       OTPConfig                 `toml:"otp" json:"otp"`
	Retention RetentionConfig           `toml:"retention" json:"retention"`
}

// GeneralConfig holds deployment-wide settings.
type GeneralConfig struct {
	// Env is "development" or "production". Production refuses the
	// insecure default KEK.
	Env string `toml:"env" json:"env"`
	// DataDir holds every file kavach writes (default ~/.kavach).
	DataDir string `toml:"data_dir" json:"data_dir"`
	// ActorID is the operator default for CLI commands. Role, when set,
	// is only a claim: it must match the actor's registered role.
	ActorID string `toml:"actor_id" json:"actor_id"`
	Role    string `toml:"role" json:"role"`
}

// LoggingConfig controls operational logs. Audit events never go here.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// AuditConfig controls ledger persistence.
type AuditConfig struct {
	// Driver is "sqlite" or "memory".
	Driver       string        `toml:"driver" json:"driver"`
	DBPath       string        `toml:"db_path" json:"db_path"`
	QueueFile    string        `toml:"queue_file" json:"queue_file"`
	SyncInterval time.Duration `toml:"sync_interval" json:"sync_interval"`
	FetchLimit   int           `toml:"fetch_limit" json:"fetch_limit"`
}

// CryptoConfig controls key derivation and the envelope KEK.
type CryptoConfig struct {
	KEKFile    string `toml:"kek_file" json:"kek_file"`
	Iterations int    `toml:"iterations" json:"iterations"`
	// PersistIdentity keeps the wrapped identity key across sessions so
	// earlier conversations stay readable.
	PersistIdentity bool   `toml:"persist_identity" json:"persist_identity"`
	IdentityDir     string `toml:"identity_dir" json:"identity_dir"`
}

// DeviceConfig controls device baselines and the trust monitor.
type DeviceConfig struct {
	BaselineDir     string        `toml:"baseline_dir" json:"baseline_dir"`
	MonitorInterval time.Duration `toml:"monitor_interval" json:"monitor_interval"`
	WatchBaseline   bool          `toml:"watch_baseline" json:"watch_baseline"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	// IdleTimeout ends idle sessions (NIST 800-53 AC-12). Zero disables.
	IdleTimeout time.Duration `toml:"idle_timeout" json:"idle_timeout"`
}

// AccessConfig controls the permission engine.
type AccessConfig struct {
	// EmergencyGrants widens a role's permissions while an emergency is
	// declared: role -> extra actions.
	EmergencyGrants map[string][]string `toml:"emergency_grants" json:"emergency_grants"`
	// RegistryFile holds the signed actor-to-role assignments.
	RegistryFile string `toml:"registry_file" json:"registry_file"`
}

// OTPConfig controls one-time code verification at login.
type OTPConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	Issuer    string `toml:"issuer" json:"issuer"`
	SecretDir string `toml:"secret_dir" json:"secret_dir"`
}

// RetentionConfig controls the record vault and retention schedule.
type RetentionConfig struct {
	VaultDir string `toml:"vault_dir" json:"vault_dir"`
	// Schedule overrides retention days per policy class.
	Schedule map[string]int `toml:"schedule" json:"schedule"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// MinIterations is the lowest PBKDF2 iteration count accepted.
const MinIterations = 100000

// policyClasses are the retention classes a schedule may override.
var policyClasses = map[string]bool{
	"standard_logs":      true,
	"criminal_evidence":  true,
	"communication_meta": true,
	"temporary_cache":    true,
}

// Default returns the default configuration. Paths are resolved by
// SetDefaults once DataDir is known.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Env: EnvDevelopment,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Audit: AuditConfig{
			Driver:       "sqlite",
			SyncInterval: time.Minute,
			FetchLimit:   50,
		},
		Crypto: CryptoConfig{
			Iterations:      MinIterations,
			PersistIdentity: true,
		},
		Device: DeviceConfig{
			MonitorInterval: 30 * time.Second,
			WatchBaseline:   true,
		},
		Session: SessionConfig{
			IdleTimeout: 15 * time.Minute,
		},
		Access: AccessConfig{
			EmergencyGrants: map[string][]string{},
		},
		RateLimit: ratelimit.DefaultRules(),
		OTP: OTPConfig{
			Issuer: "Kavach",
		},
		Retention: RetentionConfig{
			Schedule: map[string]int{},
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the kavach configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kavach"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads path, or the default config path when path is empty. A
// missing file yields the defaults. Environment overrides are applied
// before defaults are filled and the result validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return finish(cfg)
}

// LoadFromPath loads a config file that must exist.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg. Unknown keys are an error.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Encode renders cfg as TOML with the standard file header.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# kavach configuration file\n")
	buf.WriteString("# Generated by kavach - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes cfg to path as TOML.
// SECURITY: Config files are written 0600.
func Save(cfg *Config, path string) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration, collecting every problem.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.General.Env {
	case EnvDevelopment, EnvProduction:
	default:
		add("general.env", "invalid env '%s', must be one of: development, production", c.General.Env)
	}
	if c.General.DataDir == "" {
		add("general.data_dir", "must not be empty")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil || c.Logging.Level == "" {
		add("logging.level", "invalid level '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		add("logging.format", "invalid format '%s', must be one of: console, json", c.Logging.Format)
	}

	switch c.Audit.Driver {
	case "sqlite", "memory":
	default:
		add("audit.driver", "invalid driver '%s', must be one of: sqlite, memory", c.Audit.Driver)
	}
	if c.Audit.SyncInterval <= 0 {
		add("audit.sync_interval", "must be positive")
	}
	if c.Audit.FetchLimit <= 0 {
		add("audit.fetch_limit", "must be positive")
	}

	if c.Crypto.Iterations < MinIterations {
		add("crypto.iterations", "must be at least %d", MinIterations)
	}

	if c.Device.MonitorInterval <= 0 {
		add("device.monitor_interval", "must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		add("session.idle_timeout", "must not be negative")
	}

	for action, rule := range c.RateLimit {
		if rule.Max <= 0 {
			add("ratelimit."+action+".max", "must be positive")
		}
		if rule.Window <= 0 {
			add("ratelimit."+action+".window", "must be positive")
		}
	}

	for role, actions := range c.Access.EmergencyGrants {
		if len(actions) == 0 {
			add("access.emergency_grants."+role, "must list at least one action")
		}
	}

	if c.OTP.Enabled && c.OTP.Issuer == "" {
		add("otp.issuer", "must be set when otp is enabled")
	}

	for class, days := range c.Retention.Schedule {
		if !policyClasses[class] {
			add("retention.schedule."+class, "unknown policy class")
		} else if days <= 0 {
			add("retention.schedule."+class, "must be a positive number of days")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// SetDefaults fills empty values and derives paths from DataDir.
func (c *Config) SetDefaults() error {
	d := Default()

	if c.General.DataDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		c.General.DataDir = dir
	}
	if c.General.Env == "" {
		c.General.Env = d.General.Env
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = d.Audit.Driver
	}
	if c.Audit.SyncInterval == 0 {
		c.Audit.SyncInterval = d.Audit.SyncInterval
	}
	if c.Audit.FetchLimit == 0 {
		c.Audit.FetchLimit = d.Audit.FetchLimit
	}
	if c.Crypto.Iterations == 0 {
		c.Crypto.Iterations = d.Crypto.Iterations
	}
	if c.Device.MonitorInterval == 0 {
		c.Device.MonitorInterval = d.Device.MonitorInterval
	}
	if c.OTP.Issuer == "" {
		c.OTP.Issuer = d.OTP.Issuer
	}
	if c.RateLimit == nil {
		c.RateLimit = d.RateLimit
	}

	dataPath := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.General.DataDir, name)
		}
	}
	dataPath(&c.Audit.DBPath, "audit.db")
	dataPath(&c.Audit.QueueFile, "audit_queue.json")
	dataPath(&c.Crypto.IdentityDir, "identity")
	dataPath(&c.Device.BaselineDir, "device")
	dataPath(&c.Access.RegistryFile, "roles.json")
	dataPath(&c.OTP.SecretDir, "otp")
	dataPath(&c.Retention.VaultDir, "vault")
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - KAVACH_ENV: overrides general.env
//   - KAVACH_DATA_DIR: overrides general.data_dir
//   - KAVACH_ACTOR: overrides general.actor_id
//   - KAVACH_ROLE: overrides general.role
//   - KAVACH_LOG_LEVEL: overrides logging.level
//   - KAVACH_LOG_FORMAT: overrides logging.format
//   - KAVACH_OTP: set to "1" or "true" to require one-time codes
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KAVACH_ENV"); v != "" {
		c.General.Env = strings.ToLower(v)
	}
	if v := os.Getenv("KAVACH_DATA_DIR"); v != "" {
		c.General.DataDir = v
	}
	if v := os.Getenv("KAVACH_ACTOR"); v != "" {
		c.General.ActorID = v
	}
	if v := os.Getenv("KAVACH_ROLE"); v != "" {
		c.General.Role = v
	}
	if v := os.Getenv("KAVACH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KAVACH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KAVACH_OTP"); v != "" {
		c.OTP.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "audit.driver").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. Strings are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		if field.Type() == durationType {
			d, err := time.ParseDuration(strVal)
			if err != nil {
				return fmt.Errorf("invalid duration value: %v", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			boolVal := strVal == "1" || strings.ToLower(strVal) == "true" || strings.ToLower(strVal) == "yes"
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// String returns the config as indented JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
