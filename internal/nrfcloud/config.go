package nrfcloud

import (
	"fotaflow/internal/config"
	"fotaflow/pkg/backoff"
	"fotaflow/pkg/circuitbreaker"
	"time"
)

// Config holds configuration for the device-management API client.
type Config struct {
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	Retry       backoff.Config
	Breaker     circuitbreaker.Config
}

// LoadConfigFromEnv loads client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		HTTPTimeout: config.GetDurationEnv("NRFCLOUD_HTTP_TIMEOUT", 10*time.Second),
		Retry: backoff.Config{
			Initial:     config.GetDurationEnv("NRFCLOUD_RETRY_INITIAL", 200*time.Millisecond),
			Max:         config.GetDurationEnv("NRFCLOUD_RETRY_MAX", 5*time.Second),
			MaxAttempts: config.GetIntEnv("NRFCLOUD_RETRY_ATTEMPTS", 3),
		},
		Breaker: circuitbreaker.Config{
			Threshold: uint32(config.GetIntEnv("NRFCLOUD_BREAKER_THRESHOLD", 5)),
			Cooldown:  config.GetDurationEnv("NRFCLOUD_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	return c
}
