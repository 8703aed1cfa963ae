package devicestate

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"

	"github.com/redis/go-redis/v9"
)

// Fetcher returns the firmware state a device last reported.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string) (firmware.Details, error)
}

// Event is a device-state change-feed record: the device reported a new
// version for a firmware target.
type Event struct {
	DeviceID   string          `json:"deviceId"`
	Target     firmware.Target `json:"target"`
	NewVersion string          `json:"newVersion"`
}

// RedisFetcher reads shadows stored as JSON at "<prefix>:device:<id>:state".
// The store is written by the device gateway and lags device reports by its
// own propagation delay.
type RedisFetcher struct {
	client redis.Cmdable
	prefix string
}

// NewRedisFetcher creates a fetcher over client.
func NewRedisFetcher(client redis.Cmdable, prefix string) *RedisFetcher {
	return &RedisFetcher{client: client, prefix: prefix}
}

// StateKey returns the Redis key holding a device's shadow.
func (f *RedisFetcher) StateKey(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:state", f.prefix, deviceID)
}

// Fetch reads and parses the device's shadow.
func (f *RedisFetcher) Fetch(ctx context.Context, deviceID string) (firmware.Details, error) {
	data, err := f.client.Get(ctx, f.StateKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return firmware.Details{}, apperrors.Domain(apperrors.ErrValidation, apperrors.DeviceStateUnavailable,
			"Unknown device state")
	}
	if err != nil {
		return firmware.Details{}, apperrors.Internal("devicestate.fetch", err)
	}
	return ParseShadow(data)
}

var _ Fetcher = (*RedisFetcher)(nil)
