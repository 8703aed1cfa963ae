package fota

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"fotaflow/internal/nrfcloud"
	"fotaflow/pkg/backoff"
	"time"
)

// errSuperseded stops a step whose record moved on while it ran.
var errSuperseded = errors.New("step superseded")

// advance runs the record's pending steps until it suspends or finishes.
// Errors without a domain kind are returned so the dispatcher retries.
func (o *Orchestrator) advance(ctx context.Context, executionID string) error {
	for {
		j, err := o.repo.GetExecution(ctx, executionID)
		if errors.Is(err, job.ErrNotFound) {
			o.logger.Debug("Execution gone, nothing to run", "executionId", executionID)
			return nil
		}
		if err != nil {
			return err
		}
		if j.Status.Terminal() || j.NextStep == job.StepNone {
			return nil
		}

		step := j.NextStep
		start := time.Now()
		err = o.runStep(ctx, j)
		o.metrics.RecordStep(ctx, string(step), err == nil, time.Since(start).Seconds())
		if err != nil {
			o.logger.Warn("Step failed", "executionId", executionID, "step", step, "error", err)
			return err
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, j *job.Job) error {
	switch j.NextStep {
	case job.StepFetchDetails:
		return o.fetchDetails(ctx, j)
	case job.StepResolve:
		return o.resolve(ctx, j, recordedDetails(j))
	case job.StepSubmit:
		return o.submit(ctx, j)
	case job.StepCheckApplied:
		return o.checkApplied(ctx, j)
	default:
		return &backoff.Permanent{Err: fmt.Errorf("unknown step %q", j.NextStep)}
	}
}

// fetchDetails reads the device's firmware state and resolves the first
// bundle. A device without usable state fails the run.
func (o *Orchestrator) fetchDetails(ctx context.Context, j *job.Job) error {
	details, err := o.details.Fetch(ctx, j.DeviceID)
	if err != nil {
		if kind := apperrors.KindOf(err); kind != "" {
			return o.failStep(ctx, j, kind, err.Error())
		}
		return err
	}
	return o.resolve(ctx, j, details)
}

// recordedDetails rebuilds the firmware details from the record after a
// version-applied resume. Support for the target was verified when the run
// fetched the device state.
func recordedDetails(j *job.Job) firmware.Details {
	d := firmware.Details{SupportedTargets: []firmware.Target{j.Target}}
	switch j.Target {
	case firmware.TargetApp:
		d.AppVersion = j.ReportedVersion
	case firmware.TargetModem:
		d.ModemVersion = j.ReportedVersion
	}
	return d
}

// resolve picks the next bundle. The run succeeds when the path is
// exhausted, when the device reports a version a bundle was already
// applied from, or when the path offers a bundle the run already applied.
// A range key still matches the version its own bundle installed.
func (o *Orchestrator) resolve(ctx context.Context, j *job.Job, details firmware.Details) error {
	up, resolveErr := firmware.NextUpgrade(j.UpgradePath, details)
	_, err := o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
		if cur.Status.Terminal() || cur.NextStep != j.NextStep {
			return job.ErrUnchanged
		}
		now := o.repo.Now()
		if resolveErr != nil {
			return cur.Fail(string(failureKind(resolveErr)), resolveErr.Error(), now)
		}
		if up.Done() || cur.HasUsed(up.ReportedVersion) || cur.UsedBundle(up.BundleID) {
			cur.ReportedVersion = up.ReportedVersion
			return cur.SetStatus(job.StatusSucceeded, detailNoUpgrade, now)
		}
		cur.ReportedVersion = up.ReportedVersion
		cur.BundleID = up.BundleID
		cur.NextStep = job.StepSubmit
		return nil
	})
	return err
}

// submit creates the external job once per cycle and suspends on its
// completion. A submit error fails the run: repeating it could create a
// second job on the device.
func (o *Orchestrator) submit(ctx context.Context, j *job.Job) error {
	if j.ChildJobID != "" {
		o.logger.Warn("Job already submitted, not resubmitting", "executionId", j.ExecutionID, "jobId", j.ChildJobID)
		_, err := o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
			if cur.NextStep != job.StepSubmit {
				return job.ErrUnchanged
			}
			cur.NextStep = job.StepNone
			return nil
		})
		return err
	}

	jobID, err := o.jobs.Submit(ctx, j.Account, j.DeviceID, j.BundleID)
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind == "" {
			kind = apperrors.ExternalAPI
		}
		return o.failStep(ctx, j, kind, err.Error())
	}

	token := newToken(j.ExecutionID, job.WaitJobCompletion)
	_, err = o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
		if cur.Status.Terminal() || cur.NextStep != job.StepSubmit || cur.ChildJobID != "" {
			return errSuperseded
		}
		now := o.repo.Now()
		cur.ChildJobID = jobID
		cur.ChildJobs = append(cur.ChildJobs, job.ChildJob{
			ID:          jobID,
			BundleID:    cur.BundleID,
			FromVersion: cur.ReportedVersion,
			SubmittedAt: now,
			Status:      string(nrfcloud.StatusQueued),
		})
		cur.RegisterCallback(job.WaitJobCompletion, token, now, nil)
		cur.NextStep = job.StepNone
		return cur.SetStatus(job.StatusAwaitingJobCompletion,
			fmt.Sprintf("Started job for version %s with bundle %s.", cur.ReportedVersion, cur.BundleID), now)
	})
	if errors.Is(err, errSuperseded) {
		o.logger.Warn("Run moved on during submit, cancelling job", "executionId", j.ExecutionID, "jobId", jobID)
		o.cancelChild(ctx, &job.Job{ExecutionID: j.ExecutionID, Account: j.Account, ChildJobID: jobID})
		return nil
	}
	return err
}

// checkApplied reads the device state once after the version-applied wait
// is registered. A version reported before the wait existed produced no
// change event, so it has to be picked up here. The state store can lag:
// a version older than the recorded one, or one the run already moved
// past, is not taken as applied.
func (o *Orchestrator) checkApplied(ctx context.Context, j *job.Job) error {
	if j.Waiting(job.WaitVersionApplied) {
		details, err := o.details.Fetch(ctx, j.DeviceID)
		if err != nil {
			o.logger.Debug("Version check failed, waiting for signal", "executionId", j.ExecutionID, "error", err)
		} else if v := details.Version(j.Target); v != "" && v != j.ReportedVersion &&
			!j.HasUsed(v) && !firmware.VersionBefore(v, j.ReportedVersion) {
			err := o.SendSuccess(ctx, j.PendingCallback.Token, Resume{NewVersion: v})
			if err == nil || errors.Is(err, apperrors.StaleCallback) {
				return nil
			}
			return err
		}
	}

	_, err := o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
		if cur.NextStep != job.StepCheckApplied {
			return job.ErrUnchanged
		}
		cur.NextStep = job.StepNone
		return nil
	})
	return err
}

// failStep fails the run unless it already moved past the step.
func (o *Orchestrator) failStep(ctx context.Context, j *job.Job, kind apperrors.Kind, detail string) error {
	_, err := o.update(ctx, j.ExecutionID, func(cur *job.Job) error {
		if cur.Status.Terminal() || cur.NextStep != j.NextStep {
			return job.ErrUnchanged
		}
		return cur.Fail(string(kind), detail, o.repo.Now())
	})
	return err
}

func failureKind(err error) apperrors.Kind {
	if kind := apperrors.KindOf(err); kind != "" {
		return kind
	}
	return apperrors.Kind("Internal")
}
