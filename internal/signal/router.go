// Package signal routes change-feed records to the run waiting on them.
//
// Both routers are pure functions of the current record and the incoming
// event: they read the pending callback and hand its token to the
// orchestrator. Delivery is at-least-once, so a token that was already
// consumed is expected and logged, not returned.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/devicestate"
	"fotaflow/internal/fota"
	"fotaflow/internal/job"
	"fotaflow/internal/nrfcloud"
	"log/slog"
)

// Resumer resolves suspended waits.
type Resumer interface {
	SendSuccess(ctx context.Context, token string, payload fota.Resume) error
	SendFailure(ctx context.Context, token string, failure fota.Failure) error
}

// Records reads the current run for a device+target key.
type Records interface {
	Get(ctx context.Context, key string) (*job.Job, error)
}

// Outcome of routing one event.
const (
	OutcomeResolved = "resolved"
	OutcomeIgnored  = "ignored"
	OutcomeStale    = "stale"
	OutcomeInvalid  = "invalid"
)

// JobStatusRouter resumes job-completion waits from external job status
// changes.
type JobStatusRouter struct {
	records Records
	resumer Resumer
	logger  *slog.Logger
}

// NewJobStatusRouter creates a job-status router.
func NewJobStatusRouter(records Records, resumer Resumer) *JobStatusRouter {
	return &JobStatusRouter{
		records: records,
		resumer: resumer,
		logger:  slog.With("component", "job-status-router"),
	}
}

// Handle routes one status event. Non-terminal statuses, events for
// other jobs and stale tokens are ignored. Only storage errors are
// returned, so the event is redelivered.
func (r *JobStatusRouter) Handle(ctx context.Context, ev nrfcloud.StatusEvent) (string, error) {
	status := nrfcloud.ParseStatus(string(ev.Status))
	logger := r.logger.With("jobId", ev.JobID, "jobKey", ev.ParentJobKey, "status", status)

	if !status.Terminal() {
		logger.Debug("Job still in progress")
		return OutcomeIgnored, nil
	}

	j, err := r.records.Get(ctx, ev.ParentJobKey)
	if errors.Is(err, job.ErrNotFound) {
		logger.Debug("No run for job")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if !j.Waiting(job.WaitJobCompletion) || j.ChildJobID != ev.JobID {
		logger.Debug("Run is not waiting for this job", "executionId", j.ExecutionID, "runStatus", j.Status)
		return OutcomeIgnored, nil
	}

	token := j.PendingCallback.Token
	if status.Succeeded() {
		err = r.resumer.SendSuccess(ctx, token, fota.Resume{JobID: ev.JobID, JobStatus: string(status)})
	} else {
		err = r.resumer.SendFailure(ctx, token, fota.Failure{
			Reason:    fmt.Sprintf("Job %s failed with status %s", ev.JobID, status),
			JobStatus: string(status),
		})
	}
	return settle(logger, j.ExecutionID, err)
}

// HandleMessage decodes a JSON status event and routes it. Undecodable
// messages are dropped.
func (r *JobStatusRouter) HandleMessage(ctx context.Context, body []byte) (string, error) {
	var ev nrfcloud.StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.JobID == "" || ev.ParentJobKey == "" {
		r.logger.Warn("Dropping malformed job status event", "error", err, "size", len(body))
		return OutcomeInvalid, nil
	}
	return r.Handle(ctx, ev)
}

// DeviceStateRouter resumes version-applied waits from device firmware
// reports.
type DeviceStateRouter struct {
	records Records
	resumer Resumer
	logger  *slog.Logger
}

// NewDeviceStateRouter creates a device-state router.
func NewDeviceStateRouter(records Records, resumer Resumer) *DeviceStateRouter {
	return &DeviceStateRouter{
		records: records,
		resumer: resumer,
		logger:  slog.With("component", "device-state-router"),
	}
}

// Handle routes one device-state event. A report equal to the recorded
// version is the device re-reporting, not applying, and is ignored.
func (r *DeviceStateRouter) Handle(ctx context.Context, ev devicestate.Event) (string, error) {
	logger := r.logger.With("deviceId", ev.DeviceID, "target", ev.Target, "version", ev.NewVersion)
	if !ev.Target.Valid() || ev.NewVersion == "" {
		logger.Warn("Dropping device state event without target version")
		return OutcomeInvalid, nil
	}

	j, err := r.records.Get(ctx, job.Key(ev.DeviceID, ev.Target))
	if errors.Is(err, job.ErrNotFound) {
		logger.Debug("No run for device")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if !j.Waiting(job.WaitVersionApplied) {
		logger.Debug("Run is not waiting for a version", "executionId", j.ExecutionID, "runStatus", j.Status)
		return OutcomeIgnored, nil
	}
	if ev.NewVersion == j.ReportedVersion {
		logger.Debug("Version re-reported", "executionId", j.ExecutionID)
		return OutcomeIgnored, nil
	}
	if j.HasUsed(ev.NewVersion) {
		logger.Debug("Version already upgraded from", "executionId", j.ExecutionID)
		return OutcomeIgnored, nil
	}

	err = r.resumer.SendSuccess(ctx, j.PendingCallback.Token, fota.Resume{NewVersion: ev.NewVersion})
	return settle(logger, j.ExecutionID, err)
}

// HandleMessage decodes a JSON device-state event and routes it.
func (r *DeviceStateRouter) HandleMessage(ctx context.Context, body []byte) (string, error) {
	var ev devicestate.Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.DeviceID == "" {
		r.logger.Warn("Dropping malformed device state event", "error", err, "size", len(body))
		return OutcomeInvalid, nil
	}
	return r.Handle(ctx, ev)
}

// settle classifies the result of resolving a wait.
func settle(logger *slog.Logger, executionID string, err error) (string, error) {
	switch {
	case err == nil:
		logger.Info("Wait resolved", "executionId", executionID)
		return OutcomeResolved, nil
	case errors.Is(err, apperrors.StaleCallback):
		logger.Info("Stale callback ignored", "executionId", executionID, "error", err)
		return OutcomeStale, nil
	case errors.Is(err, job.ErrNotFound):
		logger.Info("Run disappeared before resume", "executionId", executionID)
		return OutcomeIgnored, nil
	default:
		return "", err
	}
}
