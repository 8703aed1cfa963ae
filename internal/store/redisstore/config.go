package redisstore

import (
	"context"
	"fmt"
	"fotaflow/internal/config"

	"github.com/redis/go-redis/v9"
)

// Default configuration values.
const (
	DefaultAddr   = "localhost:6379"
	DefaultPrefix = "fota"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LoadConfigFromEnv loads Redis configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Addr:     config.GetEnv("REDIS_ADDR", DefaultAddr),
		Password: config.GetSecret("REDIS_PASSWORD"),
		DB:       config.GetIntEnv("REDIS_DB", 0),
		Prefix:   config.GetEnv("REDIS_PREFIX", DefaultPrefix),
	}
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return c
}

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
