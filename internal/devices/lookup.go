// Package devices resolves device fingerprints to device identities.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"

	"github.com/redis/go-redis/v9"
)

// Device identifies a device and the tenant that owns it.
type Device struct {
	ID      string `json:"deviceId"`
	Account string `json:"account"`
}

// Lookup resolves a fingerprint to the device it belongs to.
type Lookup interface {
	ByFingerprint(ctx context.Context, fingerprint string) (Device, error)
}

// RedisLookup reads fingerprints from the hash "<prefix>:fingerprints",
// whose values are JSON-encoded Device records.
type RedisLookup struct {
	client redis.Cmdable
	key    string
}

// NewRedisLookup creates a lookup over client.
func NewRedisLookup(client redis.Cmdable, prefix string) *RedisLookup {
	return &RedisLookup{client: client, key: prefix + ":fingerprints"}
}

// HashKey returns the Redis hash holding fingerprint records.
func (l *RedisLookup) HashKey() string {
	return l.key
}

// ByFingerprint returns the device registered under fingerprint.
func (l *RedisLookup) ByFingerprint(ctx context.Context, fingerprint string) (Device, error) {
	raw, err := l.client.HGet(ctx, l.key, fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return Device{}, apperrors.NotFound("device with fingerprint", fingerprint)
	}
	if err != nil {
		return Device{}, apperrors.Internal("devices.lookup", err)
	}
	var d Device
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Device{}, apperrors.Internal("devices.lookup", fmt.Errorf("invalid record for %s: %w", fingerprint, err))
	}
	return d, nil
}

var _ Lookup = (*RedisLookup)(nil)
