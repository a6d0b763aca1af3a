package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalidEnumStr = "invalid-value"

func validConfig() *Config {
	return DefaultConfig()
}

func TestValidate_ValidDefaults(t *testing.T) {
	err := Validate(validConfig())
	assert.NoError(t, err)
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad base url", func(c *Config) { c.Provider.BaseURL = "ftp://x" }, "provider.base_url"},
		{"relative base url", func(c *Config) { c.Provider.BaseURL = "/api" }, "provider.base_url"},
		{"short request timeout", func(c *Config) { c.Provider.RequestTimeout = "10ms" }, "provider.request_timeout"},
		{"pacing too small", func(c *Config) { c.Coordinator.PacingInterval = "1ms" }, "coordinator.pacing_interval"},
		{"pacing garbage", func(c *Config) { c.Coordinator.PacingInterval = "soon" }, "coordinator.pacing_interval"},
		{"cooldown too small", func(c *Config) { c.Coordinator.RateLimitCooldown = "10ms" }, "coordinator.rate_limit_cooldown"},
		{"negative backoff", func(c *Config) { c.Coordinator.RetryBackoff = "-1s" }, "coordinator.retry_backoff"},
		{"negative dedupe", func(c *Config) { c.Coordinator.DedupeWindow = "-1h" }, "coordinator.dedupe_window"},
		{"zero attempts", func(c *Config) { c.Coordinator.MaxAttempts = 0 }, "coordinator.max_attempts"},
		{"too many attempts", func(c *Config) { c.Coordinator.MaxAttempts = 21 }, "coordinator.max_attempts"},
		{"zero pending", func(c *Config) { c.Coordinator.MaxPending = 0 }, "coordinator.max_pending"},
		{"negative retention", func(c *Config) { c.Coordinator.SummaryRetention = -1 }, "coordinator.summary_retention"},
		{"zero login attempts", func(c *Config) { c.Session.LoginAttempts = 0 }, "session.login_attempts"},
		{"bad skew", func(c *Config) { c.Session.ExpirySkew = "later" }, "session.expiry_skew"},
		{"bad listen", func(c *Config) { c.Server.Listen = "nope" }, "server.listen"},
		{"bad level", func(c *Config) { c.Logging.LogLevel = invalidEnumStr }, "logging.log_level"},
		{"bad format", func(c *Config) { c.Logging.LogFormat = invalidEnumStr }, "logging.log_format"},
		{"metrics interval too small", func(c *Config) { c.Metrics.Interval = "10ms" }, "metrics.interval"},
		{"metrics endpoint without port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Endpoint = "collector"
		}, "metrics.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_CrossFieldChecksUseCoordinatorRules(t *testing.T) {
	cfg := validConfig()
	cfg.Coordinator.PacingInterval = "10s"
	cfg.Coordinator.MaxPacingInterval = "5s"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max pacing interval")
}

func TestValidate_MetricsEndpointIgnoredWhileDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Endpoint = ""

	assert.NoError(t, Validate(cfg))
}

func TestValidate_ZeroRetentionAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Coordinator.SummaryRetention = 0

	assert.NoError(t, Validate(cfg))
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Coordinator.MaxAttempts = 0
	cfg.Logging.LogLevel = invalidEnumStr
	cfg.Server.Listen = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "server.listen")
}

func TestValidateCredentials(t *testing.T) {
	cfg := validConfig()

	err := ValidateCredentials(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.base_url")
	assert.Contains(t, err.Error(), "KSC_ACCOUNT")
	assert.Contains(t, err.Error(), "KSC_SECRET")

	cfg.Provider.BaseURL = "https://accounts.example.com"
	cfg.Provider.Account = "ops"
	cfg.Provider.Secret = "s"
	assert.NoError(t, ValidateCredentials(cfg))
}
