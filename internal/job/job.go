// Package job defines the durable orchestration record kept per device and
// firmware target, and the repository that mutates it.
//
// # Records and keys
//
// A Job is identified two ways. Its key ("<deviceId>#<target>") names the
// device+target pair and resolves to the most recent run for that pair. Its
// execution ID names one run and never changes. At most one run per key is
// active (non-terminal) at a time; finished runs stay readable by execution
// ID and through ListByDevice.
//
// # Concurrency
//
// Every write is a read-modify-swap guarded by the record's Revision. Two
// writers racing on the same record cannot both succeed; the loser re-reads
// and re-applies its mutation. This is the only coordination between the
// step runner and the change-feed routers.
package job

import (
	"fmt"
	"fotaflow/internal/firmware"
	"maps"
	"slices"
	"time"
)

// Status is the orchestration state of a Job.
type Status string

// Job statuses.
const (
	StatusCreated                Status = "created"
	StatusAwaitingJobCompletion  Status = "awaiting-job-completion"
	StatusAwaitingVersionApplied Status = "awaiting-version-applied"
	StatusSucceeded              Status = "succeeded"
	StatusFailed                 Status = "failed"
	StatusAborted                Status = "aborted"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// WaitKind tags which suspension a callback belongs to.
type WaitKind string

// Wait kinds.
const (
	WaitJobCompletion  WaitKind = "job-completion"
	WaitVersionApplied WaitKind = "version-applied"
)

// Step is the next unit of work the step runner performs for a Job. An
// empty step means the Job is suspended or finished.
type Step string

// Steps.
const (
	StepNone         Step = ""
	StepFetchDetails Step = "fetch-details"
	StepResolve      Step = "resolve"
	StepSubmit       Step = "submit"
	StepCheckApplied Step = "check-applied"
)

// Callback is a persisted continuation handle.
type Callback struct {
	Kind         WaitKind   `json:"kind"`
	Token        string     `json:"token"`
	RegisteredAt time.Time  `json:"registeredAt"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// ChildJob records one external job submitted during the run.
type ChildJob struct {
	ID          string    `json:"id"`
	BundleID    string    `json:"bundleId"`
	FromVersion string    `json:"fromVersion"`
	SubmittedAt time.Time `json:"submittedAt"`
	Status      string    `json:"status,omitempty"`
}

// Job is the orchestration record for one device+target run.
type Job struct {
	Key             string               `json:"key"`
	ExecutionID     string               `json:"executionId"`
	DeviceID        string               `json:"deviceId"`
	Account         string               `json:"account"`
	Target          firmware.Target      `json:"target"`
	UpgradePath     firmware.UpgradePath `json:"upgradePath"`
	UsedVersions    map[string]string    `json:"usedVersions"` // reported version -> bundle applied from it
	ReportedVersion string               `json:"reportedVersion,omitempty"`
	BundleID        string               `json:"bundleId,omitempty"`
	Status          Status               `json:"status"`
	StatusDetail    string               `json:"statusDetail,omitempty"`
	FailureKind     string               `json:"failureKind,omitempty"`
	PendingCallback *Callback            `json:"pendingCallback,omitempty"`
	ChildJobID      string               `json:"childJobId,omitempty"`
	ChildJobs       []ChildJob           `json:"childJobs,omitempty"`
	NextStep        Step                 `json:"nextStep,omitempty"`
	Revision        int64                `json:"revision"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
	CompletedAt     *time.Time           `json:"completedAt,omitempty"`
}

// Key builds the composite record key for a device and target.
func Key(deviceID string, target firmware.Target) string {
	return fmt.Sprintf("%s#%s", deviceID, target)
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.UpgradePath = maps.Clone(j.UpgradePath)
	c.UsedVersions = maps.Clone(j.UsedVersions)
	c.ChildJobs = slices.Clone(j.ChildJobs)
	if j.PendingCallback != nil {
		cb := *j.PendingCallback
		if cb.Deadline != nil {
			d := *cb.Deadline
			cb.Deadline = &d
		}
		c.PendingCallback = &cb
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// HasUsed reports whether a bundle was already applied from version.
func (j *Job) HasUsed(version string) bool {
	_, ok := j.UsedVersions[version]
	return ok
}

// UsedBundle reports whether bundleID was already applied in this run.
func (j *Job) UsedBundle(bundleID string) bool {
	for _, b := range j.UsedVersions {
		if b == bundleID {
			return true
		}
	}
	return false
}

// AddUsedVersion records that bundleID was applied from version. Existing
// entries are kept.
func (j *Job) AddUsedVersion(version, bundleID string) bool {
	if j.HasUsed(version) {
		return false
	}
	if j.UsedVersions == nil {
		j.UsedVersions = map[string]string{}
	}
	j.UsedVersions[version] = bundleID
	return true
}

// Waiting reports whether j is suspended on kind.
func (j *Job) Waiting(kind WaitKind) bool {
	return j.PendingCallback != nil && j.PendingCallback.Kind == kind
}

// SetChildStatus updates the last observed status of a submitted child job.
func (j *Job) SetChildStatus(childID, status string) {
	for i := range j.ChildJobs {
		if j.ChildJobs[i].ID == childID {
			j.ChildJobs[i].Status = status
		}
	}
}
