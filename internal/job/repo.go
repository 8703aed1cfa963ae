package job

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/firmware"
	"log/slog"
	"time"
)

// maxSwapAttempts bounds the read-modify-swap loop under contention.
const maxSwapAttempts = 10

// ErrUnchanged may be returned by an update function to skip the write.
var ErrUnchanged = errors.New("job unchanged")

// NewJob carries the inputs of a new run.
type NewJob struct {
	ExecutionID string
	DeviceID    string
	Account     string
	Target      firmware.Target
	UpgradePath firmware.UpgradePath
}

// Repo implements the record and callback-registry operations on top of a
// Backend. All writes go through optimistic revision checks.
type Repo struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// NewRepo creates a repository over backend.
func NewRepo(backend Backend) *Repo {
	return &Repo{
		backend: backend,
		now:     time.Now,
		logger:  slog.With("component", "job-repo"),
	}
}

// WithClock overrides the time source. Intended for tests.
func (r *Repo) WithClock(now func() time.Time) *Repo {
	r.now = now
	return r
}

// Now returns the repository clock's current time.
func (r *Repo) Now() time.Time {
	return r.now()
}

// Get returns the most recent record for key.
func (r *Repo) Get(ctx context.Context, key string) (*Job, error) {
	return r.backend.Load(ctx, key)
}

// GetExecution returns the record for one run.
func (r *Repo) GetExecution(ctx context.Context, executionID string) (*Job, error) {
	return r.backend.LoadExecution(ctx, executionID)
}

// Create stores a new run in status created. Returns ErrExists if the
// device+target already has an active run.
func (r *Repo) Create(ctx context.Context, in NewJob) (*Job, error) {
	now := r.now()
	j := &Job{
		Key:          Key(in.DeviceID, in.Target),
		ExecutionID:  in.ExecutionID,
		DeviceID:     in.DeviceID,
		Account:      in.Account,
		Target:       in.Target,
		UpgradePath:  in.UpgradePath,
		UsedVersions: map[string]string{},
		Status:       StatusCreated,
		NextStep:     StepFetchDetails,
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.backend.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("create job %s: %w", j.Key, err)
	}
	return j, nil
}

// Update applies fn to the run's record and swaps it in, retrying on
// revision conflicts. fn may be called more than once and must only mutate
// the Job it is given.
func (r *Repo) Update(ctx context.Context, executionID string, fn func(*Job) error) (*Job, error) {
	return r.update(ctx, executionID, func() (*Job, error) {
		return r.backend.LoadExecution(ctx, executionID)
	}, fn)
}

// UpdateKey is Update addressed by device+target key.
func (r *Repo) UpdateKey(ctx context.Context, key string, fn func(*Job) error) (*Job, error) {
	return r.update(ctx, key, func() (*Job, error) {
		return r.backend.Load(ctx, key)
	}, fn)
}

func (r *Repo) update(ctx context.Context, ref string, load func() (*Job, error), fn func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		cur, err := load()
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return cur, nil
			}
			return nil, err
		}
		next.Revision = cur.Revision + 1
		next.UpdatedAt = r.now()

		err = r.backend.Swap(ctx, next, cur.Revision)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrRevisionMismatch) {
			return nil, err
		}
		r.logger.Debug("Revision conflict, retrying", "ref", ref, "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update %s: gave up after %d attempts: %w", ref, maxSwapAttempts, ErrRevisionMismatch)
}

// RegisterCallback stores a continuation handle on the record for key,
// overwriting any existing one.
func (r *Repo) RegisterCallback(ctx context.Context, key string, kind WaitKind, token string, deadline *time.Time) error {
	_, err := r.UpdateKey(ctx, key, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("register callback on %s job %s: %w", j.Status, key, ErrNotFound)
		}
		j.RegisterCallback(kind, token, r.now(), deadline)
		return nil
	})
	return err
}

// ClearCallback removes the pending callback for key only if it holds
// token, and returns the cleared callback.
func (r *Repo) ClearCallback(ctx context.Context, key, token string) (*Callback, error) {
	var cleared *Callback
	_, err := r.UpdateKey(ctx, key, func(j *Job) error {
		cb, err := j.ClearCallback(token)
		if err != nil {
			return err
		}
		cleared = cb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleared, nil
}

// MarkStatus moves the record for key to status.
func (r *Repo) MarkStatus(ctx context.Context, key string, status Status, detail string) error {
	_, err := r.UpdateKey(ctx, key, func(j *Job) error {
		if j.Status == status && detail == "" {
			return ErrUnchanged
		}
		return j.SetStatus(status, detail, r.now())
	})
	return err
}

// RecordUsedVersion adds version to the record's used versions.
func (r *Repo) RecordUsedVersion(ctx context.Context, key, version, bundleID string) error {
	_, err := r.UpdateKey(ctx, key, func(j *Job) error {
		if !j.AddUsedVersion(version, bundleID) {
			return ErrUnchanged
		}
		return nil
	})
	return err
}

// ListByDevice returns every run for deviceID, newest first.
func (r *Repo) ListByDevice(ctx context.Context, deviceID string) ([]*Job, error) {
	return r.backend.ListByDevice(ctx, deviceID)
}

// ListActive returns all non-terminal runs.
func (r *Repo) ListActive(ctx context.Context) ([]*Job, error) {
	return r.backend.ListActive(ctx)
}

// Ready checks the backend is reachable.
func (r *Repo) Ready(ctx context.Context) error {
	return r.backend.Ping(ctx)
}
