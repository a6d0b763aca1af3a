package config

import (
	"time"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultRequestTimeout    = "15s"
	defaultRequestTimeoutDur = 15 * time.Second
	defaultPacingInterval    = "2s"
	defaultMaxPacingInterval = "30s"
	defaultRateLimitCooldown = "1m"
	defaultOperationTimeout  = "10s"
	defaultRetryBackoff      = "5s"
	defaultRetryMaxBackoff   = "2m"
	defaultDedupeWindow      = "24h"
	defaultLoginAttempts     = 3
	defaultLoginBackoff      = "1s"
	defaultExpirySkew        = "30s"
	defaultListen            = "127.0.0.1:8420"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultMetricsEndpoint   = "localhost:4318"
	defaultMetricsInterval   = "1m"

	defaultMetricsIntervalDur = time.Minute
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		Coordinator: defaultCoordinatorConfig(),
		Session: SessionConfig{
			LoginAttempts: defaultLoginAttempts,
			LoginBackoff:  defaultLoginBackoff,
			ExpirySkew:    defaultExpirySkew,
		},
		Server: ServerConfig{
			Listen: defaultListen,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Metrics: MetricsConfig{
			Endpoint: defaultMetricsEndpoint,
			Interval: defaultMetricsInterval,
		},
	}
}

func defaultCoordinatorConfig() CoordinatorConfig {
	codes := coordinator.DefaultCodeTable()

	return CoordinatorConfig{
		PacingInterval:    defaultPacingInterval,
		MaxPacingInterval: defaultMaxPacingInterval,
		RateLimitCooldown: defaultRateLimitCooldown,
		MaxAttempts:       coordinator.DefaultMaxAttempts,
		OperationTimeout:  defaultOperationTimeout,
		RetryBackoff:      defaultRetryBackoff,
		RetryMaxBackoff:   defaultRetryMaxBackoff,
		MaxPending:        coordinator.DefaultMaxPending,
		DedupeWindow:      defaultDedupeWindow,
		SummaryRetention:  coordinator.DefaultSummaryRetention,
		Codes: CodesConfig{
			Success:       codes.Success,
			Retryable:     codes.Retryable,
			RateLimited:   codes.RateLimited,
			InvalidTarget: codes.InvalidTarget,
			Rejected:      codes.Rejected,
			Auth:          codes.Auth,
		},
	}
}
