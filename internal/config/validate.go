package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minPacingInterval   = 100 * time.Millisecond
	minOperationTimeout = time.Second
	minRequestTimeout   = time.Second
	maxAttemptsCap      = 20
	maxLoginAttempts    = 10
	maxPendingCap       = 1_000_000
	minMetricsInterval  = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateProvider(&cfg.Provider)...)
	errs = append(errs, validateCoordinator(&cfg.Coordinator)...)
	errs = append(errs, validateSession(&cfg.Session)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	// Cross-field constraints live on the runtime config; reuse them so the
	// file and the coordinator agree on what is valid.
	if len(errs) == 0 {
		if err := cfg.CoordinatorSettings().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ValidateCredentials checks the fields needed to talk to the provider.
// Only commands that dispatch or log in require them.
func ValidateCredentials(cfg *Config) error {
	var errs []error

	if cfg.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url: must be set"))
	}

	if cfg.Provider.Account == "" {
		errs = append(errs, fmt.Errorf("provider.account: must be set (or %s)", EnvAccount))
	}

	if cfg.Provider.Secret == "" {
		errs = append(errs, fmt.Errorf("provider.secret: must be set (or %s)", EnvSecret))
	}

	return errors.Join(errs...)
}

func validateProvider(p *ProviderConfig) []error {
	var errs []error

	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider.base_url: must be an absolute http(s) URL, got %q", p.BaseURL))
		}
	}

	errs = append(errs, validateDurationMin("provider.request_timeout", p.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateCoordinator(c *CoordinatorConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("coordinator.pacing_interval", c.PacingInterval, minPacingInterval)...)
	errs = append(errs, validateDurationMin("coordinator.max_pacing_interval", c.MaxPacingInterval, minPacingInterval)...)
	errs = append(errs, validateDurationMin("coordinator.rate_limit_cooldown", c.RateLimitCooldown, time.Second)...)
	errs = append(errs, validateDurationMin("coordinator.operation_timeout", c.OperationTimeout, minOperationTimeout)...)
	errs = append(errs, validateDurationNonNeg("coordinator.retry_backoff", c.RetryBackoff)...)
	errs = append(errs, validateDurationNonNeg("coordinator.retry_max_backoff", c.RetryMaxBackoff)...)
	errs = append(errs, validateDurationNonNeg("coordinator.dedupe_window", c.DedupeWindow)...)

	if c.MaxAttempts < 1 || c.MaxAttempts > maxAttemptsCap {
		errs = append(errs, fmt.Errorf("coordinator.max_attempts: must be between 1 and %d, got %d",
			maxAttemptsCap, c.MaxAttempts))
	}

	if c.MaxPending < 1 || c.MaxPending > maxPendingCap {
		errs = append(errs, fmt.Errorf("coordinator.max_pending: must be between 1 and %d, got %d",
			maxPendingCap, c.MaxPending))
	}

	if c.SummaryRetention < 0 {
		errs = append(errs, fmt.Errorf("coordinator.summary_retention: must be >= 0, got %d", c.SummaryRetention))
	}

	return errs
}

func validateSession(s *SessionConfig) []error {
	var errs []error

	if s.LoginAttempts < 1 || s.LoginAttempts > maxLoginAttempts {
		errs = append(errs, fmt.Errorf("session.login_attempts: must be between 1 and %d, got %d",
			maxLoginAttempts, s.LoginAttempts))
	}

	errs = append(errs, validateDurationNonNeg("session.login_backoff", s.LoginBackoff)...)
	errs = append(errs, validateDurationNonNeg("session.expiry_skew", s.ExpirySkew)...)

	return errs
}

func validateServer(s *ServerConfig) []error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: invalid address %q: %w", s.Listen, err)}
	}

	return nil
}

func validateMetrics(m *MetricsConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("metrics.interval", m.Interval, minMetricsInterval)...)

	if m.Enabled {
		if _, _, err := net.SplitHostPort(m.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("metrics.endpoint: must be host:port, got %q: %w", m.Endpoint, err))
		}
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of text, json; got %q", format)}
	}

	return nil
}
