package job

import (
	"fmt"
	"fotaflow/internal/apperrors"
	"time"
)

// RegisterCallback sets the pending callback, replacing any existing one.
func (j *Job) RegisterCallback(kind WaitKind, token string, now time.Time, deadline *time.Time) {
	j.PendingCallback = &Callback{
		Kind:         kind,
		Token:        token,
		RegisteredAt: now,
		Deadline:     deadline,
	}
}

// ClearCallback removes the pending callback if it holds token. A missing
// or different callback yields a StaleCallback error and leaves j unchanged.
func (j *Job) ClearCallback(token string) (*Callback, error) {
	cb := j.PendingCallback
	if cb == nil {
		return nil, fmt.Errorf("job %s has no pending callback: %w", j.Key, apperrors.StaleCallback)
	}
	if cb.Token != token {
		return nil, fmt.Errorf("job %s callback %s was superseded: %w", j.Key, cb.Kind, apperrors.StaleCallback)
	}
	j.PendingCallback = nil
	return cb, nil
}
