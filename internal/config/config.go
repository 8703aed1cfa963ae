// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// Store and feed drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverKafka  = "kafka"
	DriverNone   = "none"
)

// ServiceConfig holds configuration for the FOTA service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	StoreDriver  string // memory, redis or sqlite
	FeedDriver   string // none, redis or kafka
	AccountsFile string

	EventSigningSecret string // HMAC secret for pushed change-feed events

	NotifyWebhookURL    string
	NotifyWebhookSecret string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecret("API_KEY"),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreDriver:         GetEnv("STORE_DRIVER", DriverMemory),
		FeedDriver:          GetEnv("FEED_DRIVER", DriverNone),
		AccountsFile:        GetEnv("ACCOUNTS_FILE", "accounts.yaml"),
		EventSigningSecret:  GetSecret("EVENT_SIGNING_SECRET"),
		NotifyWebhookURL:    GetEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookSecret: GetSecret("NOTIFY_WEBHOOK_SECRET"),
	}
}
