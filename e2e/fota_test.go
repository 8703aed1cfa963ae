//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"fotaflow/internal/api"
	"fotaflow/internal/config"
	"fotaflow/internal/devices"
	"fotaflow/internal/devicestate"
	"fotaflow/internal/dispatcher"
	"fotaflow/internal/feed"
	"fotaflow/internal/fota"
	"fotaflow/internal/health"
	"fotaflow/internal/job"
	"fotaflow/internal/nrfcloud"
	"fotaflow/internal/signal"
	"fotaflow/internal/store/redisstore"
	"fotaflow/internal/testutil"
	"fotaflow/pkg/backoff"
	"fotaflow/pkg/cloudevent"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	prefix      = "fota"
	bundleA     = "APP*1e29dfa3*v1.1.0"
	hookSecret  = "hook-secret"
	eventSecret = "event-secret"
)

// fakeCloud is the device-management API: it creates job IDs and records
// cancellations.
type fakeCloud struct {
	mu        sync.Mutex
	jobs      map[string]string // deviceId -> jobId
	cancelled []string
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		var body struct {
			DeviceIdentifiers []string `json:"deviceIdentifiers"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		jobID := fmt.Sprintf("job-%d", len(f.jobs)+1)
		f.jobs[body.DeviceIdentifiers[0]] = jobID
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jobId":%q}`, jobID)
	case http.MethodPut:
		f.cancelled = append(f.cancelled, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCloud) jobFor(deviceID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[deviceID]
}

func (f *fakeCloud) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

// hookReceiver collects verified status notifications.
type hookReceiver struct {
	mu       sync.Mutex
	statuses []string
	rejected int
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), hookSecret) {
		h.rejected++
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	event, err := cloudevent.Decode(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.statuses = append(h.statuses, fmt.Sprint(event.Data["status"]))
	w.WriteHeader(http.StatusOK)
}

func (h *hookReceiver) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

type stack struct {
	baseURL string
	redis   *redis.Client
	mr      *miniredis.Miniredis
	cloud   *fakeCloud
	hooks   *hookReceiver
}

func newStack(t testing.TB) *stack {
	t.Helper()
	s := &stack{
		mr:    miniredis.RunT(t),
		cloud: &fakeCloud{jobs: map[string]string{}},
		hooks: &hookReceiver{},
	}
	s.redis = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})

	cloudServer := httptest.NewServer(s.cloud)
	hookServer := httptest.NewServer(s.hooks)

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 1000, Workers: 8}, nil)
	repo := job.NewRepo(redisstore.New(s.redis, prefix))
	fetcher := devicestate.NewRedisFetcher(s.redis, prefix)
	client := nrfcloud.NewClient(config.Accounts{
		"acme": {APIEndpoint: cloudServer.URL, APIKey: "secret"},
	}, nrfcloud.Config{Retry: backoff.Config{Initial: time.Millisecond}}, nil)

	orch := fota.NewOrchestrator(repo, fetcher, client, d, fota.Config{SweepInterval: 100 * time.Millisecond}).
		WithNotifier(fota.NewWebhookNotifier(d, hookServer.URL, hookSecret))
	svc := fota.NewService(orch, devices.NewRedisLookup(s.redis, prefix), fetcher)
	jobStatus := signal.NewJobStatusRouter(repo, orch)
	deviceState := signal.NewDeviceStateRouter(repo, orch)

	feedCfg := feed.Config{
		JobStatusStream:   "fota.job-status",
		DeviceStateStream: "fota.device-state",
		Group:             "fotaflow",
		Consumer:          "e2e",
		Block:             50 * time.Millisecond,
	}
	mux := feed.NewMux(nil)
	mux.Route(feedCfg.JobStatusStream, jobStatus.HandleMessage)
	mux.Route(feedCfg.DeviceStateStream, deviceState.HandleMessage)
	source := feed.NewRedisSource(s.redis, feedCfg.Streams(), feedCfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); orch.Run(ctx) }()
	go func() { defer wg.Done(); source.Run(ctx, mux.Handle) }()

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Service:            svc,
		JobStatusRouter:    jobStatus,
		DeviceStateRouter:  deviceState,
		HealthChecker:      health.NewChecker(repo),
		EventSigningSecret: eventSecret,
	}))
	s.baseURL = server.URL

	t.Cleanup(func() {
		server.Close()
		cancel()
		wg.Wait()
		// Drain dispatcher before closing receivers so pending notifications are delivered
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		d.Close(closeCtx)
		cloudServer.Close()
		hookServer.Close()
		s.redis.Close()
	})
	return s
}

// addDevice registers a fingerprint and reports an application version.
func (s *stack) addDevice(t testing.TB, n int, appVersion string) (deviceID, fingerprint string) {
	t.Helper()
	deviceID, fingerprint = fmt.Sprintf("dev-%d", n), fmt.Sprintf("fp-%d", n)
	record := fmt.Sprintf(`{"deviceId":%q,"account":"acme"}`, deviceID)
	s.mr.HSet(prefix+":fingerprints", fingerprint, record)
	s.report(t, deviceID, appVersion)
	return deviceID, fingerprint
}

func (s *stack) report(t testing.TB, deviceID, appVersion string) {
	t.Helper()
	shadow := fmt.Sprintf(`{"14204:1.0":{"0":{"3":%q}},"14401:1.0":{"0":{"0":["APP"]}}}`, appVersion)
	if err := s.mr.Set(fmt.Sprintf("%s:device:%s:state", prefix, deviceID), shadow); err != nil {
		t.Fatal(err)
	}
}

func (s *stack) publish(t testing.TB, stream string, body any) {
	t.Helper()
	data, _ := json.Marshal(body)
	err := s.redis.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"body": string(data)},
	}).Err()
	if err != nil {
		t.Fatal(err)
	}
}

func (s *stack) request(t testing.TB, method, path, fingerprint string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if fingerprint != "" {
		req.Header.Set(api.FingerprintHeader, fingerprint)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *stack) start(t testing.TB, deviceID, fingerprint string) string {
	t.Helper()
	status, resp := s.request(t, http.MethodPost, "/v1/devices/"+deviceID+"/fota", fingerprint,
		map[string]any{"upgradePath": map[string]string{"1.0.0": bundleA}})
	if status != http.StatusAccepted {
		t.Fatalf("start %s = %d %v", deviceID, status, resp)
	}
	return resp["executionId"].(string)
}

func (s *stack) waitFor(t testing.TB, executionID string, cond func(view map[string]any) bool) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		status, view := s.request(t, http.MethodGet, "/v1/fota/"+executionID, "", nil)
		return status == http.StatusOK && cond(view)
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(20*time.Millisecond))
}

func waiting(kind string) func(map[string]any) bool {
	return func(v map[string]any) bool { return v["waitingFor"] == kind }
}

func hasStatus(status string) func(map[string]any) bool {
	return func(v map[string]any) bool { return v["status"] == status }
}

func TestE2E_Readyz(t *testing.T) {
	s := newStack(t)
	status, resp := s.request(t, http.MethodGet, "/v1/health/readyz", "", nil)
	if status != http.StatusOK || resp["status"] != "healthy" {
		t.Errorf("readyz = %d %v", status, resp)
	}
}

// TestE2E_UpgradeThroughFeed drives one run from start to success with
// change-feed events on Redis Streams.
func TestE2E_UpgradeThroughFeed(t *testing.T) {
	s := newStack(t)
	deviceID, fingerprint := s.addDevice(t, 1, "1.0.0")

	executionID := s.start(t, deviceID, fingerprint)
	s.waitFor(t, executionID, waiting(string(job.WaitJobCompletion)))

	jobID := s.cloud.jobFor(deviceID)
	if jobID == "" {
		t.Fatal("no job submitted")
	}
	s.publish(t, "fota.job-status", nrfcloud.StatusEvent{JobID: jobID, ParentJobKey: deviceID + "#app", Status: "SUCCEEDED"})
	s.waitFor(t, executionID, waiting(string(job.WaitVersionApplied)))

	s.report(t, deviceID, "1.1.0")
	s.publish(t, "fota.device-state", map[string]string{"deviceId": deviceID, "target": "app", "newVersion": "1.1.0"})
	s.waitFor(t, executionID, hasStatus(string(job.StatusSucceeded)))

	testutil.MustWaitFor(t, func() bool {
		got := s.hooks.received()
		return len(got) == 1 && got[0] == string(job.StatusSucceeded)
	}, testutil.WithTimeout(5*time.Second))

	_, view := s.request(t, http.MethodGet, "/v1/fota/"+executionID, "", nil)
	used, _ := view["usedVersions"].(map[string]any)
	if used["1.0.0"] != bundleA {
		t.Errorf("usedVersions = %v", used)
	}

	// The device can start again once the run finished. It is already on
	// the last version, so the new run succeeds without a job.
	rerun := s.start(t, deviceID, fingerprint)
	if rerun == executionID {
		t.Fatalf("restart reused execution %s", executionID)
	}
	s.waitFor(t, rerun, hasStatus(string(job.StatusSucceeded)))
	if got := s.cloud.jobFor(deviceID); got != jobID {
		t.Errorf("restart submitted job %s", got)
	}
}

// TestE2E_SignedEventIngestion resolves the job-completion wait through
// the HTTP ingestion endpoint instead of the stream.
func TestE2E_SignedEventIngestion(t *testing.T) {
	s := newStack(t)
	deviceID, fingerprint := s.addDevice(t, 1, "1.0.0")
	executionID := s.start(t, deviceID, fingerprint)
	s.waitFor(t, executionID, waiting(string(job.WaitJobCompletion)))

	event := cloudevent.New("fota.job.status", "e2e", "", "", map[string]any{
		"jobId":        s.cloud.jobFor(deviceID),
		"parentJobKey": deviceID + "#app",
		"status":       "FAILED",
	})
	body, _ := json.Marshal(event)
	sig, _ := cloudevent.Sign(event, eventSecret)

	req, _ := http.NewRequest(http.MethodPost, s.baseURL+"/internal/events/job-status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set(cloudevent.SignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest = %d", resp.StatusCode)
	}

	s.waitFor(t, executionID, func(v map[string]any) bool {
		return v["status"] == string(job.StatusFailed) && v["failureKind"] == "ExternalJobFailed"
	})
}

func TestE2E_Abort(t *testing.T) {
	s := newStack(t)
	deviceID, fingerprint := s.addDevice(t, 1, "1.0.0")
	executionID := s.start(t, deviceID, fingerprint)
	s.waitFor(t, executionID, waiting(string(job.WaitJobCompletion)))

	status, resp := s.request(t, http.MethodDelete, "/v1/devices/"+deviceID+"/fota/"+executionID, fingerprint, nil)
	if status != http.StatusAccepted {
		t.Fatalf("abort = %d %v", status, resp)
	}
	s.waitFor(t, executionID, hasStatus(string(job.StatusAborted)))
	testutil.MustWaitFor(t, func() bool { return s.cloud.cancels() == 1 }, testutil.WithTimeout(5*time.Second))

	// A late completion for the cancelled job changes nothing.
	s.publish(t, "fota.job-status", nrfcloud.StatusEvent{JobID: s.cloud.jobFor(deviceID), ParentJobKey: deviceID + "#app", Status: "SUCCEEDED"})
	time.Sleep(200 * time.Millisecond)
	_, view := s.request(t, http.MethodGet, "/v1/fota/"+executionID, "", nil)
	if view["status"] != string(job.StatusAborted) {
		t.Errorf("status after late event = %v", view["status"])
	}
}

func TestE2E_ConcurrentDevices(t *testing.T) {
	const numDevices = 25
	s := newStack(t)

	ids := make([]string, numDevices)
	codes := make([]int, numDevices)
	var wg sync.WaitGroup
	for i := range numDevices {
		deviceID, fingerprint := s.addDevice(t, i, "1.0.0")
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, resp := s.request(t, http.MethodPost, "/v1/devices/"+deviceID+"/fota", fingerprint,
				map[string]any{"upgradePath": map[string]string{"1.0.0": bundleA}})
			codes[i] = status
			ids[i], _ = resp["executionId"].(string)
		}()
	}
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusAccepted || ids[i] == "" {
			t.Fatalf("start dev-%d = %d", i, code)
		}
	}

	for i, executionID := range ids {
		s.waitFor(t, executionID, waiting(string(job.WaitJobCompletion)))
		deviceID := fmt.Sprintf("dev-%d", i)
		s.publish(t, "fota.job-status", nrfcloud.StatusEvent{JobID: s.cloud.jobFor(deviceID), ParentJobKey: deviceID + "#app", Status: "SUCCEEDED"})
	}
	for _, executionID := range ids {
		s.waitFor(t, executionID, waiting(string(job.WaitVersionApplied)))
	}
}

func BenchmarkStartUpgrade(b *testing.B) {
	s := newStack(b)
	devices := make([][2]string, b.N)
	for i := range b.N {
		deviceID, fingerprint := s.addDevice(b, i, "1.0.0")
		devices[i] = [2]string{deviceID, fingerprint}
	}

	b.ResetTimer()
	for i := range b.N {
		s.start(b, devices[i][0], devices[i][1])
	}
}
