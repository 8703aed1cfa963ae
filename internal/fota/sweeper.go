package fota

import (
	"context"
	"errors"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/job"
	"time"
)

// Recover queues every active run that has a pending step. It is called
// once at startup; suspended runs need no work until a signal arrives.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range active {
		if j.NextStep != job.StepNone {
			o.schedule(j.ExecutionID)
			n++
		}
	}
	if n > 0 {
		o.logger.Info("Recovered runs", "count", n, "active", len(active))
	}
	return n, nil
}

// Sweep fails runs past their deadlines and re-queues stalled steps.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	active, err := o.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	now := o.repo.Now()
	for _, j := range active {
		switch {
		case o.config.ExecutionTimeout > 0 && now.Sub(j.CreatedAt) > o.config.ExecutionTimeout:
			o.expire(ctx, j)
		case j.PendingCallback != nil && j.PendingCallback.Deadline != nil && now.After(*j.PendingCallback.Deadline):
			err := o.SendFailure(ctx, j.PendingCallback.Token, Failure{Reason: detailTimedOut})
			if err != nil && !errors.Is(err, apperrors.StaleCallback) {
				o.logger.Warn("Failed to expire wait", "executionId", j.ExecutionID, "error", err)
			}
		case j.NextStep != job.StepNone && now.Sub(j.UpdatedAt) > o.config.SweepInterval:
			o.logger.Info("Re-queueing stalled step", "executionId", j.ExecutionID, "step", j.NextStep)
			o.schedule(j.ExecutionID)
		}
	}
	return nil
}

// expire fails a run that exceeded the execution timeout and cancels its
// external job.
func (o *Orchestrator) expire(ctx context.Context, j *job.Job) {
	updated, err := o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
		if cur.Status.Terminal() {
			return job.ErrUnchanged
		}
		return cur.Fail(string(apperrors.ExecutionTimeout), detailTimedOut, o.repo.Now())
	})
	if err != nil {
		o.logger.Warn("Failed to expire run", "executionId", j.ExecutionID, "error", err)
		return
	}
	if updated.Status == job.StatusFailed && updated.FailureKind == string(apperrors.ExecutionTimeout) {
		o.cancelChild(ctx, updated)
	}
}

// Run recovers pending runs, then sweeps every SweepInterval until ctx is
// done.
func (o *Orchestrator) Run(ctx context.Context) {
	if _, err := o.Recover(ctx); err != nil {
		o.logger.Error("Recovery failed", "error", err)
	}

	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil {
				o.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}
