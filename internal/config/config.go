// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for kscoord. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import (
	"time"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings so that the file round-trips exactly and
// validation can report the offending text.
type Config struct {
	Provider    ProviderConfig    `toml:"provider"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Session     SessionConfig     `toml:"session"`
	Storage     StorageConfig     `toml:"storage"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// ProviderConfig locates the account service and the operator credentials.
type ProviderConfig struct {
	BaseURL        string `toml:"base_url"`
	Account        string `toml:"account"`
	Secret         string `toml:"secret"`
	RequestTimeout string `toml:"request_timeout"`
}

// CoordinatorConfig controls pacing, retries and queue bounds.
type CoordinatorConfig struct {
	PacingInterval    string      `toml:"pacing_interval"`
	MaxPacingInterval string      `toml:"max_pacing_interval"`
	RateLimitCooldown string      `toml:"rate_limit_cooldown"`
	MaxAttempts       int         `toml:"max_attempts"`
	OperationTimeout  string      `toml:"operation_timeout"`
	RetryBackoff      string      `toml:"retry_backoff"`
	RetryMaxBackoff   string      `toml:"retry_max_backoff"`
	MaxPending        int         `toml:"max_pending"`
	DedupeWindow      string      `toml:"dedupe_window"`
	SummaryRetention  int         `toml:"summary_retention"`
	Codes             CodesConfig `toml:"codes"`
}

// CodesConfig maps provider err_code values to result classes.
type CodesConfig struct {
	Success       []int `toml:"success"`
	Retryable     []int `toml:"retryable"`
	RateLimited   []int `toml:"rate_limited"`
	InvalidTarget []int `toml:"invalid_target"`
	Rejected      []int `toml:"rejected"`
	Auth          []int `toml:"auth"`
}

// SessionConfig controls login retries and the on-disk session cache.
type SessionConfig struct {
	LoginAttempts int    `toml:"login_attempts"`
	LoginBackoff  string `toml:"login_backoff"`
	ExpirySkew    string `toml:"expiry_skew"`
	CacheFile     string `toml:"cache_file"`
}

// StorageConfig locates the state database.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// ServerConfig controls the Submission API listener.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig controls export of the coordinator's OpenTelemetry metrics
// to an OTLP/HTTP collector. Disabled means a no-op meter provider.
type MetricsConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Interval string `toml:"interval"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	Listen     *string // --listen flag
	LogLevel   *string // --log-level flag
}

// CoordinatorSettings converts the validated [coordinator] section into the
// coordinator's runtime configuration.
func (c *Config) CoordinatorSettings() coordinator.Config {
	cc := &c.Coordinator
	def := coordinator.DefaultConfig()

	return coordinator.Config{
		PacingInterval:    durationOr(cc.PacingInterval, def.PacingInterval),
		MaxPacingInterval: durationOr(cc.MaxPacingInterval, def.MaxPacingInterval),
		RateLimitCooldown: durationOr(cc.RateLimitCooldown, def.RateLimitCooldown),
		MaxAttempts:       cc.MaxAttempts,
		OperationTimeout:  durationOr(cc.OperationTimeout, def.OperationTimeout),
		RetryBackoff:      durationOr(cc.RetryBackoff, def.RetryBackoff),
		RetryMaxBackoff:   durationOr(cc.RetryMaxBackoff, def.RetryMaxBackoff),
		MaxPending:        cc.MaxPending,
		DedupeWindow:      durationOr(cc.DedupeWindow, def.DedupeWindow),
		SummaryRetention:  cc.SummaryRetention,
		Codes: coordinator.CodeTable{
			Success:       cc.Codes.Success,
			Retryable:     cc.Codes.Retryable,
			RateLimited:   cc.Codes.RateLimited,
			InvalidTarget: cc.Codes.InvalidTarget,
			Rejected:      cc.Codes.Rejected,
			Auth:          cc.Codes.Auth,
		},
	}
}

// SessionSettings converts the [session] section for the session manager.
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		Account:       c.Provider.Account,
		CachePath:     c.SessionCachePath(),
		LoginAttempts: c.Session.LoginAttempts,
		LoginBackoff:  durationOr(c.Session.LoginBackoff, 0),
		ExpirySkew:    durationOr(c.Session.ExpirySkew, 0),
	}
}

// RequestTimeout returns the per-request HTTP timeout for the provider client.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Provider.RequestTimeout, defaultRequestTimeoutDur)
}

// SessionCachePath returns the session cache file, falling back to the
// platform data directory.
func (c *Config) SessionCachePath() string {
	if c.Session.CacheFile != "" {
		return expandTilde(c.Session.CacheFile)
	}

	return DefaultSessionPath()
}

// DatabasePath returns the state database path, falling back to the
// platform data directory.
func (c *Config) DatabasePath() string {
	if c.Storage.DBPath != "" {
		return expandTilde(c.Storage.DBPath)
	}

	return DefaultDBPath()
}

// MetricsInterval returns the export interval for the metrics reader.
func (c *Config) MetricsInterval() time.Duration {
	return durationOr(c.Metrics.Interval, defaultMetricsIntervalDur)
}

// durationOr parses s, returning fallback when s is empty or malformed.
// Callers run Validate first, so malformed input only reaches here in tests.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}
