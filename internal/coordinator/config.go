package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// Default values for Config.
const (
	DefaultPacingInterval    = 2 * time.Second
	DefaultMaxPacingInterval = 30 * time.Second
	DefaultRateLimitCooldown = time.Minute
	DefaultMaxAttempts       = 4
	DefaultOperationTimeout  = 10 * time.Second
	DefaultRetryBackoff      = 5 * time.Second
	DefaultRetryMaxBackoff   = 2 * time.Minute
	DefaultMaxPending        = 5000
	DefaultDedupeWindow      = 24 * time.Hour
	DefaultSummaryRetention  = 256
)

// Config controls pacing, retries and the provider code table.
type Config struct {
	// PacingInterval is the baseline spacing between dispatches.
	PacingInterval time.Duration
	// MaxPacingInterval caps widening after rate-limit responses.
	MaxPacingInterval time.Duration
	// RateLimitCooldown is how long pacing must go without a rate-limit
	// response before each decay step toward the baseline.
	RateLimitCooldown time.Duration
	MaxAttempts       int
	OperationTimeout  time.Duration
	RetryBackoff      time.Duration
	RetryMaxBackoff   time.Duration
	// MaxPending is the ceiling on queued operations; submissions that
	// would exceed it fail with ErrQueueOverflow.
	MaxPending int
	// DedupeWindow bounds how far back a completed request suppresses
	// a resubmission. Zero disables the completed-request index.
	DedupeWindow     time.Duration
	SummaryRetention int
	Codes            CodeTable
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		PacingInterval:    DefaultPacingInterval,
		MaxPacingInterval: DefaultMaxPacingInterval,
		RateLimitCooldown: DefaultRateLimitCooldown,
		MaxAttempts:       DefaultMaxAttempts,
		OperationTimeout:  DefaultOperationTimeout,
		RetryBackoff:      DefaultRetryBackoff,
		RetryMaxBackoff:   DefaultRetryMaxBackoff,
		MaxPending:        DefaultMaxPending,
		DedupeWindow:      DefaultDedupeWindow,
		SummaryRetention:  DefaultSummaryRetention,
		Codes:             DefaultCodeTable(),
	}
}

// Validate checks every field and returns all problems joined.
func (c Config) Validate() error {
	var errs []error

	if c.PacingInterval <= 0 {
		errs = append(errs, errors.New("pacing interval must be positive"))
	}

	if c.MaxPacingInterval < c.PacingInterval {
		errs = append(errs, fmt.Errorf("max pacing interval %s is below pacing interval %s",
			c.MaxPacingInterval, c.PacingInterval))
	}

	if c.RateLimitCooldown <= 0 {
		errs = append(errs, errors.New("rate limit cooldown must be positive"))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts))
	}

	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}

	if c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry backoff must be positive"))
	}

	if c.RetryMaxBackoff < c.RetryBackoff {
		errs = append(errs, fmt.Errorf("retry max backoff %s is below retry backoff %s",
			c.RetryMaxBackoff, c.RetryBackoff))
	}

	if c.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("max pending must be >= 1, got %d", c.MaxPending))
	}

	if c.DedupeWindow < 0 {
		errs = append(errs, errors.New("dedupe window must not be negative"))
	}

	if err := c.Codes.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// retryDelay returns base * 2^(attempts-1), capped at RetryMaxBackoff.
func (c Config) retryDelay(attempts int) time.Duration {
	d := c.RetryBackoff

	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.RetryMaxBackoff {
			return c.RetryMaxBackoff
		}
	}

	return min(d, c.RetryMaxBackoff)
}
