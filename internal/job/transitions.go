package job

import (
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusCreated:                {StatusAwaitingJobCompletion, StatusSucceeded, StatusFailed, StatusAborted},
	StatusAwaitingJobCompletion:  {StatusAwaitingVersionApplied, StatusFailed, StatusAborted},
	StatusAwaitingVersionApplied: {StatusAwaitingJobCompletion, StatusSucceeded, StatusFailed, StatusAborted},
}

// CanTransition reports whether a Job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// SetStatus moves j to status. Setting the current status again is a no-op.
// Terminal statuses clear the pending callback and the next step.
func (j *Job) SetStatus(status Status, detail string, now time.Time) error {
	if j.Status == status {
		if detail != "" {
			j.StatusDetail = detail
		}
		return nil
	}
	if !CanTransition(j.Status, status) {
		return &TransitionError{From: j.Status, To: status}
	}
	j.Status = status
	if detail != "" {
		j.StatusDetail = detail
	}
	if status.Terminal() {
		j.PendingCallback = nil
		j.NextStep = StepNone
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// Fail moves j to failed and records the failure kind.
func (j *Job) Fail(kind, detail string, now time.Time) error {
	if err := j.SetStatus(StatusFailed, detail, now); err != nil {
		return err
	}
	j.FailureKind = kind
	return nil
}
