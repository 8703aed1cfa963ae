// Package fota drives multi-bundle firmware upgrades.
//
// A run moves through fetch-details, resolve and submit steps, then
// suspends twice per bundle: once until the external job completes and
// once until the device reports the new version. Steps execute on the
// dispatcher; each one re-reads the record and acts on its NextStep, so a
// duplicate run of a step is harmless. Suspensions are persisted callback
// tokens that the signal routers resolve with SendSuccess or SendFailure.
package fota

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/devicestate"
	"fotaflow/internal/dispatcher"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"fotaflow/internal/nrfcloud"
	"fotaflow/internal/observability"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status details recorded on the job.
const (
	detailNoUpgrade = "No further upgrade available."
	detailCancelled = "The job was cancelled."
	detailTimedOut  = "The job timed out."
)

// ExternalJobs creates and cancels jobs in the device-management API.
type ExternalJobs interface {
	Submit(ctx context.Context, account, deviceID, bundleID string) (string, error)
	Cancel(ctx context.Context, account, jobID string) error
}

// Runner queues work for asynchronous execution.
type Runner interface {
	Submit(task dispatcher.Task) error
}

// Notifier is told about runs that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

// StartInput is a validated request to start a run.
type StartInput struct {
	DeviceID    string
	Account     string
	UpgradePath firmware.UpgradePath
}

// Resume is the payload of a successful completion signal.
type Resume struct {
	JobID      string // external job, for job-completion waits
	JobStatus  string // final external job status
	NewVersion string // reported version, for version-applied waits
}

// Failure is the payload of a failed completion signal.
type Failure struct {
	Reason    string
	JobStatus string
}

// Orchestrator hosts runs: it starts and stops them, resolves their
// suspensions and executes their steps.
type Orchestrator struct {
	repo     *job.Repo
	details  devicestate.Fetcher
	jobs     ExternalJobs
	runner   Runner
	notifier Notifier
	metrics  *observability.Metrics
	config   Config
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(repo *job.Repo, details devicestate.Fetcher, jobs ExternalJobs, runner Runner, cfg Config) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		details: details,
		jobs:    jobs,
		runner:  runner,
		config:  cfg.withDefaults(),
		logger:  slog.With("component", "orchestrator"),
	}
}

// WithMetrics sets the metrics recorder.
func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithNotifier sets the receiver of terminal status changes.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// StartExecution creates a run and queues its first step.
func (o *Orchestrator) StartExecution(ctx context.Context, in StartInput) (*job.Job, error) {
	target, err := in.UpgradePath.Target()
	if err != nil {
		return nil, err
	}

	executionID := uuid.Must(uuid.NewV7()).String()
	j, err := o.repo.Create(ctx, job.NewJob{
		ExecutionID: executionID,
		DeviceID:    in.DeviceID,
		Account:     in.Account,
		Target:      target,
		UpgradePath: in.UpgradePath,
	})
	if errors.Is(err, job.ErrExists) {
		return nil, apperrors.Conflict("fota job", job.Key(in.DeviceID, target),
			fmt.Sprintf("A %s FOTA job for this device already exists", target.Label()))
	}
	if err != nil {
		return nil, apperrors.Internal("start execution", err)
	}

	o.metrics.RecordUpgradeStarted(ctx, string(target))
	o.logger.Info("Upgrade started", "executionId", executionID, "jobKey", j.Key, "deviceId", in.DeviceID)
	o.schedule(executionID)
	return j, nil
}

// StopExecution aborts a running execution and cancels its external job.
// Stopping a finished execution is a conflict.
func (o *Orchestrator) StopExecution(ctx context.Context, executionID string) (*job.Job, error) {
	j, err := o.update(ctx, executionID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return apperrors.Conflict("execution", executionID,
				fmt.Sprintf("Execution is not running, but %s!", j.Status))
		}
		return j.SetStatus(job.StatusAborted, detailCancelled, o.repo.Now())
	})
	if errors.Is(err, job.ErrNotFound) {
		return nil, apperrors.NotFound("execution", executionID)
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info("Upgrade aborted", "executionId", executionID, "jobKey", j.Key)
	o.cancelChild(ctx, j)
	return j, nil
}

// Describe returns the record of one execution.
func (o *Orchestrator) Describe(ctx context.Context, executionID string) (*job.Job, error) {
	j, err := o.repo.GetExecution(ctx, executionID)
	if errors.Is(err, job.ErrNotFound) {
		return nil, apperrors.NotFound("execution", executionID)
	}
	return j, err
}

// History returns every execution for a device, newest first.
func (o *Orchestrator) History(ctx context.Context, deviceID string) ([]*job.Job, error) {
	return o.repo.ListByDevice(ctx, deviceID)
}

// SendSuccess resolves the wait identified by token. A token that was
// already consumed or superseded yields a StaleCallback error and changes
// nothing. A version-applied signal carrying the current version, or one
// the run already moved past, leaves the wait in place.
func (o *Orchestrator) SendSuccess(ctx context.Context, token string, payload Resume) error {
	executionID, kind, err := parseToken(token)
	if err != nil {
		return err
	}

	var keepWaiting bool
	_, err = o.update(ctx, executionID, func(j *job.Job) error {
		now := o.repo.Now()
		keepWaiting = false
		if j.PendingCallback != nil && j.PendingCallback.Token == token && kind == job.WaitVersionApplied &&
			(payload.NewVersion == "" || payload.NewVersion == j.ReportedVersion || j.HasUsed(payload.NewVersion)) {
			keepWaiting = true
			return job.ErrUnchanged
		}
		if _, err := j.ClearCallback(token); err != nil {
			return err
		}

		switch kind {
		case job.WaitJobCompletion:
			if payload.JobStatus != "" {
				j.SetChildStatus(j.ChildJobID, payload.JobStatus)
			}
			deadline := now.Add(o.config.VersionAppliedTimeout)
			j.RegisterCallback(job.WaitVersionApplied, newToken(j.ExecutionID, job.WaitVersionApplied), now, &deadline)
			j.NextStep = job.StepCheckApplied
			return j.SetStatus(job.StatusAwaitingVersionApplied,
				fmt.Sprintf("Waiting for the device to apply bundle %s.", j.BundleID), now)
		default:
			j.AddUsedVersion(j.ReportedVersion, j.BundleID)
			j.ReportedVersion = payload.NewVersion
			j.ChildJobID = ""
			j.BundleID = ""
			j.NextStep = job.StepResolve
			return nil
		}
	})
	if err != nil {
		o.recordCallbackError(ctx, kind, err)
		return err
	}
	if keepWaiting {
		o.logger.Debug("Version not applied yet, still waiting", "executionId", executionID, "version", payload.NewVersion)
		return nil
	}

	o.metrics.RecordCallback(ctx, string(kind), "success")
	o.logger.Info("Wait resolved", "executionId", executionID, "wait", kind)
	o.schedule(executionID)
	return nil
}

// SendFailure fails the run suspended on token. A failed job-completion
// wait records ExternalJobFailed; an expired version-applied wait records
// ExecutionTimeout.
func (o *Orchestrator) SendFailure(ctx context.Context, token string, failure Failure) error {
	executionID, kind, err := parseToken(token)
	if err != nil {
		return err
	}

	failKind := apperrors.ExternalJobFailed
	if kind == job.WaitVersionApplied {
		failKind = apperrors.ExecutionTimeout
	}

	_, err = o.update(ctx, executionID, func(j *job.Job) error {
		if _, err := j.ClearCallback(token); err != nil {
			return err
		}
		if failure.JobStatus != "" {
			j.SetChildStatus(j.ChildJobID, failure.JobStatus)
		}
		return j.Fail(string(failKind), failure.Reason, o.repo.Now())
	})
	if err != nil {
		o.recordCallbackError(ctx, kind, err)
		return err
	}

	o.metrics.RecordCallback(ctx, string(kind), "failure")
	return nil
}

func (o *Orchestrator) recordCallbackError(ctx context.Context, kind job.WaitKind, err error) {
	if errors.Is(err, apperrors.StaleCallback) {
		o.metrics.RecordCallback(ctx, string(kind), "stale")
	}
}

// schedule queues the run's pending steps. A run whose key is already
// queued is not queued twice.
func (o *Orchestrator) schedule(executionID string) {
	err := o.runner.Submit(dispatcher.Task{
		Key: executionID,
		Run: func(ctx context.Context) error {
			return o.advance(ctx, executionID)
		},
	})
	if err != nil {
		o.logger.Warn("Step not queued, sweeper will retry", "executionId", executionID, "error", err)
	}
}

// update applies fn to the run and fires the terminal hooks once.
func (o *Orchestrator) update(ctx context.Context, executionID string, fn func(*job.Job) error) (*job.Job, error) {
	var before job.Status
	j, err := o.repo.Update(ctx, executionID, func(j *job.Job) error {
		before = j.Status
		return fn(j)
	})
	if err != nil {
		return nil, err
	}
	if !before.Terminal() && j.Status.Terminal() {
		o.finished(ctx, j)
	}
	return j, nil
}

func (o *Orchestrator) finished(ctx context.Context, j *job.Job) {
	o.logger.Info("Upgrade finished",
		"executionId", j.ExecutionID,
		"jobKey", j.Key,
		"status", j.Status,
		"detail", j.StatusDetail,
		"usedVersions", len(j.UsedVersions),
	)
	end := o.repo.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	o.metrics.RecordUpgradeFinished(ctx, string(j.Target), string(j.Status), j.FailureKind, end.Sub(j.CreatedAt).Seconds())
	if o.notifier != nil {
		o.notifier.Notify(ctx, j)
	}
}

// cancelChild cancels the run's current external job if it may still be
// running. Failures are logged only.
func (o *Orchestrator) cancelChild(ctx context.Context, j *job.Job) {
	if j.ChildJobID == "" {
		return
	}
	for _, child := range j.ChildJobs {
		if child.ID == j.ChildJobID && child.Status != "" && !nrfcloud.ParseStatus(child.Status).Cancellable() {
			o.logger.Debug("Job is finished, no cancel needed", "jobId", child.ID, "status", child.Status)
			return
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.jobs.Cancel(cctx, j.Account, j.ChildJobID); err != nil {
		o.logger.Error("Failed to cancel job", "executionId", j.ExecutionID, "jobId", j.ChildJobID, "error", err)
	}
}
