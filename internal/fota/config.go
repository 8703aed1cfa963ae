package fota

import (
	"fotaflow/internal/config"
	"time"
)

// Config bounds how long a run may wait.
type Config struct {
	VersionAppliedTimeout time.Duration // wait for the device to report a new version (default: 24h)
	ExecutionTimeout      time.Duration // overall run limit, 0 disables (default: 168h)
	SweepInterval         time.Duration // deadline and stall checks (default: 1m)
}

// LoadConfigFromEnv loads orchestration configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		VersionAppliedTimeout: config.GetDurationEnv("VERSION_APPLIED_TIMEOUT", 24*time.Hour),
		ExecutionTimeout:      config.GetDurationEnv("EXECUTION_TIMEOUT", 7*24*time.Hour),
		SweepInterval:         config.GetDurationEnv("SWEEP_INTERVAL", time.Minute),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.VersionAppliedTimeout <= 0 {
		c.VersionAppliedTimeout = 24 * time.Hour
	}
	if c.ExecutionTimeout < 0 {
		c.ExecutionTimeout = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}
