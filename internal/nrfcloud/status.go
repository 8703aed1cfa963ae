package nrfcloud

import (
	"strings"
)

// JobStatus is the lifecycle state of an external FOTA job.
type JobStatus string

// External job statuses.
const (
	StatusQueued      JobStatus = "QUEUED"
	StatusDownloading JobStatus = "DOWNLOADING"
	StatusInProgress  JobStatus = "IN_PROGRESS"
	StatusSucceeded   JobStatus = "SUCCEEDED"
	StatusCompleted   JobStatus = "COMPLETED"
	StatusFailed      JobStatus = "FAILED"
	StatusCancelled   JobStatus = "CANCELLED"
	StatusTimedOut    JobStatus = "TIMED_OUT"
	StatusRejected    JobStatus = "REJECTED"
)

// ParseStatus normalises a status as sent by the API or written by hand
// ("in-progress", "timed_out", "Succeeded").
func ParseStatus(s string) JobStatus {
	s = strings.ToUpper(strings.TrimSpace(s))
	return JobStatus(strings.ReplaceAll(s, "-", "_"))
}

// Succeeded reports whether the job finished successfully.
func (s JobStatus) Succeeded() bool {
	return s == StatusSucceeded || s == StatusCompleted
}

// Failed reports whether the job ended without applying the bundle.
func (s JobStatus) Failed() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusTimedOut, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	return s.Succeeded() || s.Failed()
}

// Cancellable reports whether a cancel request can still affect the job.
func (s JobStatus) Cancellable() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusInProgress:
		return true
	}
	return false
}

// StatusEvent is one record of the external job change-feed.
type StatusEvent struct {
	JobID        string    `json:"jobId"`
	ParentJobKey string    `json:"parentJobKey"`
	Status       JobStatus `json:"status"`
}
