package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/pkg/backoff"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// bodyField is the stream entry field holding the JSON event. Entries
// without it are re-encoded from all their fields.
const bodyField = "body"

// RedisSource reads Redis Streams through a consumer group. Handled
// entries are acknowledged with XACK; failed ones stay pending and are
// reclaimed with XAUTOCLAIM once idle for ClaimIdle.
type RedisSource struct {
	client  redis.Cmdable
	streams []string
	config  Config
	logger  *slog.Logger
}

// NewRedisSource creates a source over streams.
func NewRedisSource(client redis.Cmdable, streams []string, cfg Config) *RedisSource {
	return &RedisSource{
		client:  client,
		streams: streams,
		config:  cfg.withDefaults(),
		logger:  slog.With("component", "feed-redis"),
	}
}

// Run creates the consumer group if needed, then reads until ctx is done.
func (s *RedisSource) Run(ctx context.Context, handle Handler) error {
	for _, stream := range s.streams {
		err := s.client.XGroupCreateMkStream(ctx, stream, s.config.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	s.logger.Info("Consuming streams", "streams", s.streams, "group", s.config.Group, "consumer", s.config.Consumer)

	args := &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  s.readArgs(),
		Count:    int64(s.config.Batch),
		Block:    s.config.Block,
	}
	lastClaim := time.Now()
	failures := 0

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= s.config.ClaimIdle {
			s.reclaim(ctx, handle)
			lastClaim = time.Now()
		}

		res, err := s.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			wait := backoff.Exponential(failures, &backoff.Config{Max: s.config.RetryMax})
			s.logger.Warn("Stream read failed", "error", err, "retryIn", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, stream := range res {
			for _, msg := range stream.Messages {
				s.process(ctx, stream.Stream, msg, handle)
			}
		}
	}
	return nil
}

func (s *RedisSource) readArgs() []string {
	out := make([]string, 0, 2*len(s.streams))
	out = append(out, s.streams...)
	for range s.streams {
		out = append(out, ">")
	}
	return out
}

// reclaim takes over entries another consumer, or an earlier run of this
// one, read but never acknowledged.
func (s *RedisSource) reclaim(ctx context.Context, handle Handler) {
	for _, stream := range s.streams {
		msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			MinIdle:  s.config.ClaimIdle,
			Start:    "0-0",
			Count:    int64(s.config.Batch),
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Reclaim failed", "stream", stream, "error", err)
			}
			continue
		}
		if len(msgs) > 0 {
			s.logger.Info("Reclaimed pending entries", "stream", stream, "count", len(msgs))
		}
		for _, msg := range msgs {
			s.process(ctx, stream, msg, handle)
		}
	}
}

func (s *RedisSource) process(ctx context.Context, stream string, msg redis.XMessage, handle Handler) {
	body, err := entryBody(msg.Values)
	if err == nil {
		err = handle(ctx, Message{Stream: stream, ID: msg.ID, Body: body})
	}
	if err != nil {
		s.logger.Warn("Entry not acknowledged", "stream", stream, "id", msg.ID, "error", err)
		return
	}
	if err := s.client.XAck(ctx, stream, s.config.Group, msg.ID).Err(); err != nil {
		s.logger.Warn("Failed to acknowledge entry", "stream", stream, "id", msg.ID, "error", err)
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisSource) Close() error {
	return nil
}

func entryBody(values map[string]any) ([]byte, error) {
	if raw, ok := values[bodyField]; ok {
		switch v := raw.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		}
	}
	return json.Marshal(values)
}

var _ Source = (*RedisSource)(nil)
