// Package config loads the library's own configuration (as opposed to the
// policy documents, which the policy package loads): failure mode, policy
// source locations, persistent-store connection, and telemetry knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the default prefix for all environment overrides and for the
// env policy source.
const EnvPrefix = "COSTGUARD_"

// PolicyConfig locates the policy documents.
type PolicyConfig struct {
	// Dir is a directory of YAML policy documents. Empty disables the
	// file source.
	Dir string `mapstructure:"dir"`
	// RefreshIntervalMs is how long a policy snapshot is served before
	// the sources are consulted again.
	RefreshIntervalMs int `mapstructure:"refresh_interval_ms"`
	// Watch installs a filesystem watcher on Dir in addition to lazy
	// refresh.
	Watch bool `mapstructure:"watch"`
	// EnvPrefix for the synthesized env budget and routing policy.
	EnvPrefix string `mapstructure:"env_prefix"`
}

// StoreConfig connects the persistent budget store. An empty RedisAddr
// leaves the guard in-memory only.
type StoreConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	CASAttempts   int    `mapstructure:"cas_attempts"`
}

// MetricsConfig tunes the telemetry emitter.
type MetricsConfig struct {
	// IncludeRunID opts into the high-cardinality run_id attribute.
	IncludeRunID bool `mapstructure:"include_run_id"`
}

// Config is the full library configuration.
type Config struct {
	// FailureMode is "fail_open" (default) or "fail_closed".
	FailureMode string `mapstructure:"failure_mode"`
	// RunGraceWindowMs is how long ended runs keep accepting late usage
	// reports.
	RunGraceWindowMs int `mapstructure:"run_grace_window_ms"`

	Policy  PolicyConfig  `mapstructure:"policy"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Defaults returns the configuration used when no file and no env overrides
// are present.
func Defaults() *Config {
	cfg := &Config{
		FailureMode:      "fail_open",
		RunGraceWindowMs: 120_000,
	}
	cfg.Policy.RefreshIntervalMs = 30_000
	cfg.Policy.EnvPrefix = EnvPrefix
	cfg.Store.KeyPrefix = "costguard"
	cfg.Store.TimeoutMs = 2_000
	cfg.Store.CASAttempts = 8
	return cfg
}

// Load reads costguard.yaml (path via COSTGUARD_CONFIG_PATH, falling back to
// ./costguard.yaml) and applies env overrides. A missing default file is not
// an error; an explicitly configured path must exist.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG_PATH")
	explicit := path != ""
	if path == "" {
		path = "costguard.yaml"
	}

	cfg := Defaults()
	v := viper.New()
	v.SetConfigFile(path)
	err := v.ReadInConfig()
	switch {
	case err == nil:
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
		// The default file is optional.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return FromEnvOrDefaults(cfg), nil
}

// FromEnvOrDefaults applies COSTGUARD_* environment overrides on top of the
// given config (nil means Defaults). Env wins over file, file over defaults.
func FromEnvOrDefaults(cfg *Config) *Config {
	if cfg == nil {
		cfg = Defaults()
	}
	if mode := os.Getenv(EnvPrefix + "FAILURE_MODE"); mode != "" {
		cfg.FailureMode = strings.ToLower(mode)
	}
	if dir := os.Getenv(EnvPrefix + "POLICY_DIR"); dir != "" {
		cfg.Policy.Dir = dir
	}
	if addr := os.Getenv(EnvPrefix + "REDIS_ADDR"); addr != "" {
		cfg.Store.RedisAddr = addr
	}
	if pw := os.Getenv(EnvPrefix + "REDIS_PASSWORD"); pw != "" {
		cfg.Store.RedisPassword = pw
	}
	envInt(EnvPrefix+"REDIS_DB", &cfg.Store.RedisDB)
	envInt(EnvPrefix+"REFRESH_INTERVAL_MS", &cfg.Policy.RefreshIntervalMs)
	envInt(EnvPrefix+"GRACE_WINDOW_MS", &cfg.RunGraceWindowMs)
	envInt(EnvPrefix+"STORE_TIMEOUT_MS", &cfg.Store.TimeoutMs)
	envInt(EnvPrefix+"CAS_ATTEMPTS", &cfg.Store.CASAttempts)
	if raw := os.Getenv(EnvPrefix + "INCLUDE_RUN_ID"); raw != "" {
		cfg.Metrics.IncludeRunID = raw == "1" || strings.EqualFold(raw, "true")
	}
	return cfg
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err == nil && v >= 0 {
		*dst = v
	}
}

// RefreshInterval returns the policy refresh interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Policy.RefreshIntervalMs) * time.Millisecond
}

// GraceWindow returns the run grace window as a duration.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.RunGraceWindowMs) * time.Millisecond
}

// StoreTimeout returns the per-call persistent store timeout.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutMs) * time.Millisecond
}

// FailClosed reports whether internal failures should reject.
func (c *Config) FailClosed() bool {
	return c.FailureMode == "fail_closed"
}
