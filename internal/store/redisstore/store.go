// Package redisstore stores job records in Redis.
//
// Layout, with the configured prefix P:
//
//	P:job:exec:<executionId>   JSON record
//	P:job:key:<deviceId#target> execution ID of the newest run
//	P:job:device:<deviceId>    sorted set of execution IDs by creation time
//	P:job:active               set of non-terminal execution IDs
//
// Insert and Swap run inside WATCH/MULTI so a concurrent writer aborts the
// transaction instead of overwriting.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/internal/job"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Store is a job.Backend over Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) execKey(id string) string   { return s.prefix + ":job:exec:" + id }
func (s *Store) indexKey(key string) string { return s.prefix + ":job:key:" + key }
func (s *Store) deviceKey(id string) string { return s.prefix + ":job:device:" + id }
func (s *Store) activeKey() string          { return s.prefix + ":job:active" }

// Insert stores a new record unless the key has an active run.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	execKey, indexKey := s.execKey(j.ExecutionID), s.indexKey(j.Key)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, execKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return job.ErrExists
		}
		latest, err := tx.Get(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if latest != "" {
			raw, err := tx.Get(ctx, s.execKey(latest)).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				cur, err := decode(raw)
				if err != nil {
					return err
				}
				if !cur.Status.Terminal() {
					return job.ErrExists
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, execKey, data, 0)
			pipe.Set(ctx, indexKey, j.ExecutionID, 0)
			pipe.ZAdd(ctx, s.deviceKey(j.DeviceID), redis.Z{Score: float64(j.CreatedAt.UnixNano()), Member: j.ExecutionID})
			if !j.Status.Terminal() {
				pipe.SAdd(ctx, s.activeKey(), j.ExecutionID)
			}
			return nil
		})
		return err
	}, execKey, indexKey)

	if errors.Is(err, redis.TxFailedErr) {
		return job.ErrExists
	}
	if err != nil && !errors.Is(err, job.ErrExists) {
		return fmt.Errorf("failed to insert job %s: %w", j.Key, err)
	}
	return err
}

// Load returns the newest run for key.
func (s *Store) Load(ctx context.Context, key string) (*job.Job, error) {
	id, err := s.client.Get(ctx, s.indexKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job key %s: %w", key, err)
	}
	return s.LoadExecution(ctx, id)
}

// LoadExecution returns the record for executionID.
func (s *Store) LoadExecution(ctx context.Context, executionID string) (*job.Job, error) {
	data, err := s.client.Get(ctx, s.execKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return decode(data)
}

// Swap replaces the record if the stored revision matches.
func (s *Store) Swap(ctx context.Context, j *job.Job, expectRevision int64) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	execKey := s.execKey(j.ExecutionID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, execKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return job.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decode(raw)
		if err != nil {
			return err
		}
		if cur.Revision != expectRevision {
			return job.ErrRevisionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, execKey, data, 0)
			if j.Status.Terminal() {
				pipe.SRem(ctx, s.activeKey(), j.ExecutionID)
			}
			return nil
		})
		return err
	}, execKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return job.ErrRevisionMismatch
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrRevisionMismatch):
		return err
	default:
		return fmt.Errorf("failed to swap job %s: %w", j.ExecutionID, err)
	}
}

// ListByDevice returns every run for deviceID, newest first.
func (s *Store) ListByDevice(ctx context.Context, deviceID string) ([]*job.Job, error) {
	ids, err := s.client.ZRevRange(ctx, s.deviceKey(deviceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list device %s: %w", deviceID, err)
	}
	return s.loadMany(ctx, ids)
}

// ListActive returns all non-terminal runs, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.execKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	jobs := make([]*job.Job, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Ping checks the server answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func decode(data []byte) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &j, nil
}

var _ job.Backend = (*Store)(nil)
