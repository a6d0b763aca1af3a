package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const redacted = "(set)"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. The
// provider secret is never printed.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", orNone(path))

	renderProviderSection(ew, &cfg.Provider)
	renderCoordinatorSection(ew, &cfg.Coordinator)
	renderSessionSection(ew, cfg)
	ew.printf("[storage]\n")
	ew.printf("  db_path = %q\n\n", cfg.DatabasePath())
	ew.printf("[server]\n")
	ew.printf("  listen = %q\n\n", cfg.Server.Listen)
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)
	ew.printf("[metrics]\n")
	ew.printf("  enabled  = %t\n", cfg.Metrics.Enabled)
	ew.printf("  endpoint = %q\n", cfg.Metrics.Endpoint)
	ew.printf("  insecure = %t\n", cfg.Metrics.Insecure)
	ew.printf("  interval = %q\n", cfg.Metrics.Interval)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderProviderSection(ew *errWriter, p *ProviderConfig) {
	secret := ""
	if p.Secret != "" {
		secret = redacted
	}

	ew.printf("[provider]\n")
	ew.printf("  base_url        = %q\n", p.BaseURL)
	ew.printf("  account         = %q\n", p.Account)
	ew.printf("  secret          = %q\n", secret)
	ew.printf("  request_timeout = %q\n\n", p.RequestTimeout)
}

func renderCoordinatorSection(ew *errWriter, c *CoordinatorConfig) {
	ew.printf("[coordinator]\n")
	ew.printf("  pacing_interval     = %q\n", c.PacingInterval)
	ew.printf("  max_pacing_interval = %q\n", c.MaxPacingInterval)
	ew.printf("  rate_limit_cooldown = %q\n", c.RateLimitCooldown)
	ew.printf("  max_attempts        = %d\n", c.MaxAttempts)
	ew.printf("  operation_timeout   = %q\n", c.OperationTimeout)
	ew.printf("  retry_backoff       = %q\n", c.RetryBackoff)
	ew.printf("  retry_max_backoff   = %q\n", c.RetryMaxBackoff)
	ew.printf("  max_pending         = %d\n", c.MaxPending)
	ew.printf("  dedupe_window       = %q\n", c.DedupeWindow)
	ew.printf("  summary_retention   = %d\n\n", c.SummaryRetention)

	ew.printf("[coordinator.codes]\n")
	ew.printf("  success        = [%s]\n", joinInts(c.Codes.Success))
	ew.printf("  retryable      = [%s]\n", joinInts(c.Codes.Retryable))
	ew.printf("  rate_limited   = [%s]\n", joinInts(c.Codes.RateLimited))
	ew.printf("  invalid_target = [%s]\n", joinInts(c.Codes.InvalidTarget))
	ew.printf("  rejected       = [%s]\n", joinInts(c.Codes.Rejected))
	ew.printf("  auth           = [%s]\n\n", joinInts(c.Codes.Auth))
}

func renderSessionSection(ew *errWriter, cfg *Config) {
	s := &cfg.Session

	ew.printf("[session]\n")
	ew.printf("  login_attempts = %d\n", s.LoginAttempts)
	ew.printf("  login_backoff  = %q\n", s.LoginBackoff)
	ew.printf("  expiry_skew    = %q\n", s.ExpirySkew)
	ew.printf("  cache_file     = %q\n\n", cfg.SessionCachePath())
}

func joinInts(codes []int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}

	return strings.Join(parts, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}

	return s
}
