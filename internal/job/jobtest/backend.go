// Package jobtest holds a conformance suite every job.Backend must pass.
package jobtest

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/firmware"
	"fotaflow/internal/job"
	"sync"
	"testing"
	"time"
)

// NewRecord builds a fresh created-status record for tests.
func NewRecord(executionID, deviceID string, created time.Time) *job.Job {
	return &job.Job{
		Key:          job.Key(deviceID, firmware.TargetApp),
		ExecutionID:  executionID,
		DeviceID:     deviceID,
		Account:      "acme",
		Target:       firmware.TargetApp,
		UpgradePath:  firmware.UpgradePath{"1.0.0": "APP*a*v1.0.1"},
		UsedVersions: map[string]string{},
		Status:       job.StatusCreated,
		NextStep:     job.StepFetchDetails,
		Revision:     1,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// RunBackendTests exercises b against the Backend contract. newBackend must
// return an empty backend on each call.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) job.Backend) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("InsertAndLoad", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("exec-1", "dev-1", base)
		rec.PendingCallback = &job.Callback{Kind: job.WaitJobCompletion, Token: "tok", RegisteredAt: base}

		if err := b.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		got, err := b.Load(ctx, rec.Key)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.ExecutionID != "exec-1" || got.Status != job.StatusCreated || got.Revision != 1 {
			t.Errorf("Load() = %+v", got)
		}
		if got.UpgradePath["1.0.0"] != "APP*a*v1.0.1" {
			t.Errorf("upgrade path not preserved: %v", got.UpgradePath)
		}
		if got.PendingCallback == nil || got.PendingCallback.Token != "tok" {
			t.Errorf("pending callback not preserved: %+v", got.PendingCallback)
		}
		byExec, err := b.LoadExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("LoadExecution() error = %v", err)
		}
		if byExec.Key != rec.Key {
			t.Errorf("LoadExecution() key = %q", byExec.Key)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Load(ctx, "nope#app"); !errors.Is(err, job.ErrNotFound) {
			t.Errorf("Load() error = %v, want ErrNotFound", err)
		}
		if _, err := b.LoadExecution(ctx, "nope"); !errors.Is(err, job.ErrNotFound) {
			t.Errorf("LoadExecution() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("InsertRejectsActiveDuplicate", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Insert(ctx, NewRecord("exec-1", "dev-1", base)); err != nil {
			t.Fatal(err)
		}
		err := b.Insert(ctx, NewRecord("exec-2", "dev-1", base.Add(time.Minute)))
		if !errors.Is(err, job.ErrExists) {
			t.Errorf("Insert() error = %v, want ErrExists", err)
		}
	})

	t.Run("InsertAfterTerminal", func(t *testing.T) {
		b := newBackend(t)
		first := NewRecord("exec-1", "dev-1", base)
		if err := b.Insert(ctx, first); err != nil {
			t.Fatal(err)
		}
		done := first.Clone()
		done.Status = job.StatusSucceeded
		done.Revision = 2
		if err := b.Swap(ctx, done, 1); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		if err := b.Insert(ctx, NewRecord("exec-2", "dev-1", base.Add(time.Minute))); err != nil {
			t.Fatalf("Insert() after terminal error = %v", err)
		}
		latest, err := b.Load(ctx, first.Key)
		if err != nil {
			t.Fatal(err)
		}
		if latest.ExecutionID != "exec-2" {
			t.Errorf("Load() returned %s, want newest run", latest.ExecutionID)
		}
		old, err := b.LoadExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("finished run must stay readable: %v", err)
		}
		if old.Status != job.StatusSucceeded {
			t.Errorf("old run status = %s", old.Status)
		}
	})

	t.Run("SwapRevisionMismatch", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("exec-1", "dev-1", base)
		if err := b.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		next := rec.Clone()
		next.Revision = 2
		next.ReportedVersion = "1.0.0"
		if err := b.Swap(ctx, next, 1); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		stale := rec.Clone()
		stale.Revision = 2
		if err := b.Swap(ctx, stale, 1); !errors.Is(err, job.ErrRevisionMismatch) {
			t.Errorf("Swap() error = %v, want ErrRevisionMismatch", err)
		}
		got, _ := b.LoadExecution(ctx, "exec-1")
		if got.ReportedVersion != "1.0.0" || got.Revision != 2 {
			t.Errorf("stale swap overwrote record: %+v", got)
		}
	})

	t.Run("SwapMissing", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("ghost", "dev-1", base)
		if err := b.Swap(ctx, rec, 1); !errors.Is(err, job.ErrNotFound) {
			t.Errorf("Swap() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentSwapsOneWins", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("exec-1", "dev-1", base)
		if err := b.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := rec.Clone()
				next.Revision = 2
				next.StatusDetail = fmt.Sprintf("writer %d", i)
				if err := b.Swap(ctx, next, 1); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one winning swap, got %d", wins)
		}
	})

	t.Run("Listing", func(t *testing.T) {
		b := newBackend(t)
		a := NewRecord("exec-a", "dev-1", base)
		if err := b.Insert(ctx, a); err != nil {
			t.Fatal(err)
		}
		done := a.Clone()
		done.Status = job.StatusFailed
		done.Revision = 2
		if err := b.Swap(ctx, done, 1); err != nil {
			t.Fatal(err)
		}
		if err := b.Insert(ctx, NewRecord("exec-b", "dev-1", base.Add(time.Hour))); err != nil {
			t.Fatal(err)
		}
		if err := b.Insert(ctx, NewRecord("exec-c", "dev-2", base.Add(2*time.Hour))); err != nil {
			t.Fatal(err)
		}

		history, err := b.ListByDevice(ctx, "dev-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 2 || history[0].ExecutionID != "exec-b" || history[1].ExecutionID != "exec-a" {
			t.Errorf("ListByDevice() order = %v", ids(history))
		}

		active, err := b.ListActive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 2 || active[0].ExecutionID != "exec-b" || active[1].ExecutionID != "exec-c" {
			t.Errorf("ListActive() = %v", ids(active))
		}
	})

	t.Run("Ping", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Ping(ctx); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ExecutionID
	}
	return out
}
