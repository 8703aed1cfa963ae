package fota

import (
	"context"
	"errors"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"slices"
	"strings"
	"testing"
)

func TestService_StartUpgradeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      StartRequest
		sentinel error
		kind     apperrors.Kind
		errMsg   string
	}{
		{
			name:     "missing fingerprint",
			req:      StartRequest{DeviceID: "dev-1", UpgradePath: map[string]string{"1.0.0": bundleA}},
			sentinel: apperrors.ErrValidation,
			errMsg:   "The field 'fingerprint' is required.",
		},
		{
			name:     "empty upgrade path",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", UpgradePath: map[string]string{}},
			sentinel: apperrors.ErrValidation,
			errMsg:   "upgradePath",
		},
		{
			name:     "empty bundle",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", UpgradePath: map[string]string{"1.0.0": ""}},
			sentinel: apperrors.ErrValidation,
			errMsg:   "upgradePath",
		},
		{
			name:     "unknown target name",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", Target: "bootloader", UpgradePath: map[string]string{"1.0.0": bundleA}},
			sentinel: apperrors.ErrValidation,
			errMsg:   "must be one of",
		},
		{
			name:     "mixed targets",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", UpgradePath: map[string]string{"1.0.0": bundleA, "1.3.0": modemA}},
			sentinel: apperrors.ErrValidation,
			kind:     apperrors.AmbiguousTarget,
			errMsg:   "Invalid upgrade path defined: A job must have a single target!",
		},
		{
			name:     "unknown bundle type",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", UpgradePath: map[string]string{"1.0.0": "BOOT*1*v1"}},
			sentinel: apperrors.ErrValidation,
			kind:     apperrors.AmbiguousTarget,
			errMsg:   "Bundle type of BOOT*1*v1 is not known!",
		},
		{
			name:     "requested target differs",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-1", Target: "modem", UpgradePath: map[string]string{"1.0.0": bundleA}},
			sentinel: apperrors.ErrValidation,
			errMsg:   "upgrade path updates application, not modem",
		},
		{
			name:     "unknown fingerprint",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-9", UpgradePath: map[string]string{"1.0.0": bundleA}},
			sentinel: apperrors.ErrForbidden,
			errMsg:   "Unknown device fingerprint",
		},
		{
			name:     "fingerprint of another device",
			req:      StartRequest{DeviceID: "dev-1", Fingerprint: "fp-2", UpgradePath: map[string]string{"1.0.0": bundleA}},
			sentinel: apperrors.ErrForbidden,
			errMsg:   "does not belong to device dev-1",
		},
		{
			name:     "device without modem support",
			req:      StartRequest{DeviceID: "dev-2", Fingerprint: "fp-2", UpgradePath: map[string]string{"1.3.0": modemA}},
			sentinel: apperrors.ErrValidation,
			kind:     apperrors.UnsupportedTarget,
			errMsg:   "does not support FOTA for target modem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})

			_, err := h.svc.StartUpgrade(context.Background(), &tt.req)
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("error = %v, want %v", err, tt.sentinel)
			}
			if tt.kind != "" && apperrors.KindOf(err) != tt.kind {
				t.Errorf("kind = %q, want %q", apperrors.KindOf(err), tt.kind)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
			if runs, _ := h.repo.ListActive(context.Background()); len(runs) != 0 {
				t.Errorf("rejected request created %d runs", len(runs))
			}
		})
	}
}

func TestService_StartUpgradeNoBundleSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	resp := h.start(t, map[string]string{"0.9.0": bundleA})
	if resp.ExecutionID == "" || resp.ReportedVersion != "1.0.0" {
		t.Fatalf("StartUpgrade() = %+v", resp)
	}

	j := h.waitFor(t, resp.ExecutionID, func(j *job.Job) bool { return j.Status.Terminal() })
	if j.Status != job.StatusSucceeded || j.StatusDetail != detailNoUpgrade {
		t.Errorf("final = %s %q", j.Status, j.StatusDetail)
	}
	if len(h.jobs.submits()) != 0 || len(j.UsedVersions) != 0 {
		t.Errorf("submitted = %v, UsedVersions = %v", h.jobs.submits(), j.UsedVersions)
	}
}

func TestService_StartUpgradeUnknownDeviceState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.devices.mu.Lock()
	delete(h.devices.details, "dev-2")
	h.devices.mu.Unlock()

	_, err := h.svc.StartUpgrade(context.Background(), &StartRequest{
		DeviceID:    "dev-2",
		Fingerprint: "fp-2",
		UpgradePath: map[string]string{"1.0.0": bundleA},
	})
	if !errors.Is(err, apperrors.ErrValidation) || apperrors.KindOf(err) != apperrors.DeviceStateUnavailable {
		t.Fatalf("error = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Device is not eligible for FOTA:") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestService_StartUpgradeTargetAlias(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	resp, err := h.svc.StartUpgrade(context.Background(), &StartRequest{
		DeviceID:    "dev-1",
		Fingerprint: "fp-1",
		Target:      "mfw",
		UpgradePath: map[string]string{">=1.3.0 <1.3.1": modemA},
	})
	if err != nil {
		t.Fatalf("StartUpgrade() error = %v", err)
	}
	if resp.Target != firmware.TargetModem || resp.JobKey != "dev-1#modem" || resp.ReportedVersion != "mfw_nrf9160_1.3.0" {
		t.Errorf("StartUpgrade() = %+v", resp)
	}
	if resp.Status != job.StatusCreated {
		t.Errorf("Status = %s, want created", resp.Status)
	}
}

func TestService_Abort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	id := h.start(t, map[string]string{"1.0.0": bundleA}).ExecutionID
	h.waitFor(t, id, settled(job.StatusAwaitingJobCompletion))

	// dev-2 proves its own identity but does not own the run.
	err := h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-2", ExecutionID: id, Fingerprint: "fp-2"})
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("Abort(other device) error = %v, want forbidden", err)
	}
	if want := "Job " + id + " does not belong to device dev-2!"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}

	// A fingerprint not matching the claimed device.
	err = h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-1", ExecutionID: id, Fingerprint: "fp-2"})
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("Abort(wrong fingerprint) error = %v, want forbidden", err)
	}
	if h.get(t, id).Status != job.StatusAwaitingJobCompletion {
		t.Fatal("forbidden abort changed the run")
	}

	if err := h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-1", ExecutionID: id, Fingerprint: "fp-1"}); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if got := h.get(t, id); got.Status != job.StatusAborted {
		t.Errorf("status = %s, want aborted", got.Status)
	}
	if got := h.jobs.cancels(); !slices.Equal(got, []string{"job-1"}) {
		t.Errorf("cancelled = %v, want [job-1]", got)
	}

	err = h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-1", ExecutionID: id, Fingerprint: "fp-1"})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("second Abort() error = %v, want conflict", err)
	}
	if !strings.Contains(err.Error(), "Execution is not running, but aborted!") {
		t.Errorf("error = %q", err.Error())
	}
	// A finished run is a conflict even for a device that does not own it.
	err = h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-2", ExecutionID: id, Fingerprint: "fp-2"})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Abort(other device, finished) error = %v, want conflict", err)
	}
	if len(h.jobs.cancels()) != 1 {
		t.Errorf("cancelled = %v, want exactly one", h.jobs.cancels())
	}
}

func TestService_AbortValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-1", ExecutionID: "not-a-uuid", Fingerprint: "fp-1"})
	if !errors.Is(err, apperrors.ErrValidation) || !strings.Contains(err.Error(), "executionId") {
		t.Errorf("Abort(bad id) error = %v", err)
	}

	err = h.svc.Abort(ctx, &AbortRequest{DeviceID: "dev-1", ExecutionID: "0190f5c4-9f7e-7a3b-8c1d-2e3f4a5b6c7d", Fingerprint: "fp-1"})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Abort(unknown run) error = %v, want not found", err)
	}
}
