package fota

import (
	"context"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/devices"
	"fotaflow/internal/dispatcher"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"fotaflow/internal/testutil"
	"sync"
	"testing"
	"time"
)

const (
	bundleA = "APP*1e29dfa3*v1.1.0"
	bundleB = "APP*7c81aa02*v1.2.0"
	modemA  = "MDM_FULL*bdd24c80*mfw_nrf9160_1.3.1"
)

type fakeDevices struct {
	mu      sync.Mutex
	details map[string]firmware.Details
}

func (f *fakeDevices) set(deviceID string, d firmware.Details) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[deviceID] = d
}

func (f *fakeDevices) setAppVersion(deviceID, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.details[deviceID]
	d.AppVersion = version
	f.details[deviceID] = d
}

func (f *fakeDevices) Fetch(_ context.Context, deviceID string) (firmware.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[deviceID]
	if !ok {
		return firmware.Details{}, apperrors.Domain(apperrors.ErrValidation, apperrors.DeviceStateUnavailable,
			"Unknown device state")
	}
	return d, nil
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	submitErr error
}

func (f *fakeJobs) Submit(_ context.Context, _, _, bundleID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, bundleID)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeJobs) Cancel(_ context.Context, _, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeJobs) submits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeJobs) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeLookup map[string]devices.Device

func (f fakeLookup) ByFingerprint(_ context.Context, fingerprint string) (devices.Device, error) {
	d, ok := f[fingerprint]
	if !ok {
		return devices.Device{}, apperrors.NotFound("device with fingerprint", fingerprint)
	}
	return d, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (n *recordingNotifier) Notify(_ context.Context, j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, j.Clone())
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	repo     *job.Repo
	clock    *fakeClock
	devices  *fakeDevices
	jobs     *fakeJobs
	notifier *recordingNotifier
	orch     *Orchestrator
	svc      *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 2}, nil)
	t.Cleanup(func() { d.Close(context.Background()) })

	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		devices:  &fakeDevices{details: map[string]firmware.Details{}},
		jobs:     &fakeJobs{},
		notifier: &recordingNotifier{},
	}
	h.repo = job.NewRepo(job.NewMemoryBackend()).WithClock(h.clock.Now)
	h.orch = NewOrchestrator(h.repo, h.devices, h.jobs, d, cfg).WithNotifier(h.notifier)
	h.svc = NewService(h.orch, fakeLookup{
		"fp-1": {ID: "dev-1", Account: "acme"},
		"fp-2": {ID: "dev-2", Account: "acme"},
	}, h.devices)

	h.devices.set("dev-1", firmware.Details{
		AppVersion:       "1.0.0",
		ModemVersion:     "mfw_nrf9160_1.3.0",
		SupportedTargets: []firmware.Target{firmware.TargetApp, firmware.TargetModem},
	})
	h.devices.set("dev-2", firmware.Details{
		AppVersion:       "1.0.0",
		SupportedTargets: []firmware.Target{firmware.TargetApp},
	})
	return h
}

func (h *harness) start(t *testing.T, path map[string]string) *StartResponse {
	t.Helper()
	resp, err := h.svc.StartUpgrade(context.Background(), &StartRequest{
		DeviceID:    "dev-1",
		Fingerprint: "fp-1",
		UpgradePath: path,
	})
	if err != nil {
		t.Fatalf("StartUpgrade() error = %v", err)
	}
	return resp
}

func (h *harness) get(t *testing.T, executionID string) *job.Job {
	t.Helper()
	j, err := h.repo.GetExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("GetExecution(%s) error = %v", executionID, err)
	}
	return j
}

// waitFor blocks until the run satisfies cond and returns it.
func (h *harness) waitFor(t *testing.T, executionID string, cond func(*job.Job) bool) *job.Job {
	t.Helper()
	var last *job.Job
	ok := testutil.WaitFor(t, func() bool {
		last = h.get(t, executionID)
		return cond(last)
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))
	if !ok {
		t.Fatalf("timed out; last state %s step=%q detail=%q", last.Status, last.NextStep, last.StatusDetail)
	}
	return last
}

func settled(status job.Status) func(*job.Job) bool {
	return func(j *job.Job) bool {
		return j.Status == status && j.NextStep == job.StepNone
	}
}
