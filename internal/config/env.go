package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Environment variable names for overrides.
const (
	EnvConfig   = "KSC_CONFIG"
	EnvDBPath   = "KSC_DB_PATH"
	EnvAccount  = "KSC_ACCOUNT"
	EnvSecret   = "KSC_SECRET"
	EnvLogLevel = "KSC_LOG_LEVEL"
	EnvListen   = "KSC_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
// Empty fields were not set.
type EnvOverrides struct {
	ConfigPath string `env:"KSC_CONFIG"`
	DBPath     string `env:"KSC_DB_PATH"`
	Account    string `env:"KSC_ACCOUNT"`
	Secret     string `env:"KSC_SECRET"`
	LogLevel   string `env:"KSC_LOG_LEVEL"`
	Listen     string `env:"KSC_LISTEN"`
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify a Config; Resolve applies the relevant fields.
func ReadEnvOverrides() (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}

	return overrides, nil
}
