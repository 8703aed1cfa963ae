// Package api provides the HTTP API handlers and routing for the FOTA service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"
	"fotaflow/internal/fota"
	"fotaflow/internal/health"
	"fotaflow/internal/job"
	"fotaflow/pkg/cloudevent"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// FingerprintHeader carries the requesting device's fingerprint.
const FingerprintHeader = "X-Device-Fingerprint"

// EventRouter routes the JSON body of a change-feed event.
type EventRouter interface {
	HandleMessage(ctx context.Context, body []byte) (string, error)
}

// Handler contains HTTP handlers for the FOTA API
type Handler struct {
	svc           *fota.Service
	health        *health.Checker
	routers       map[string]EventRouter
	signingSecret string
}

// NewHandler creates a new API handler. routers maps an event feed name
// ("job-status", "device-state") to its router.
func NewHandler(svc *fota.Service, healthChecker *health.Checker, routers map[string]EventRouter, signingSecret string) *Handler {
	return &Handler{
		svc:           svc,
		health:        healthChecker,
		routers:       routers,
		signingSecret: signingSecret,
	}
}

// startUpgradeBody is the body of POST /v1/devices/{deviceId}/fota.
type startUpgradeBody struct {
	Fingerprint string            `json:"fingerprint,omitempty"`
	Target      string            `json:"target,omitempty"`
	UpgradePath map[string]string `json:"upgradePath"`
}

// StartUpgrade handles POST /v1/devices/{deviceId}/fota
func (h *Handler) StartUpgrade(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var body startUpgradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	fingerprint := r.Header.Get(FingerprintHeader)
	if fingerprint == "" {
		fingerprint = body.Fingerprint
	}

	resp, err := h.svc.StartUpgrade(r.Context(), &fota.StartRequest{
		DeviceID:    r.PathValue("deviceId"),
		Fingerprint: fingerprint,
		Target:      body.Target,
		UpgradePath: body.UpgradePath,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// AbortUpgrade handles DELETE /v1/devices/{deviceId}/fota/{executionId}
func (h *Handler) AbortUpgrade(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionId")
	if executionID == "" {
		h.writeError(w, http.StatusBadRequest, "Execution ID is required")
		return
	}

	err := h.svc.Abort(r.Context(), &fota.AbortRequest{
		DeviceID:    r.PathValue("deviceId"),
		ExecutionID: executionID,
		Fingerprint: r.Header.Get(FingerprintHeader),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"executionId": executionID,
		"status":      string(job.StatusAborted),
	})
}

// GetExecution handles GET /v1/fota/{executionId}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("executionId")
	if executionID == "" {
		h.writeError(w, http.StatusBadRequest, "Execution ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), executionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newExecutionView(j))
}

// ListExecutions handles GET /v1/devices/{deviceId}/fota
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	if deviceID == "" {
		h.writeError(w, http.StatusBadRequest, "Device ID is required")
		return
	}

	jobs, err := h.svc.History(r.Context(), deviceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	views := make([]ExecutionView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newExecutionView(j))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

// IngestEvent handles POST /internal/events/{feed}: a signed CloudEvent
// whose data is a change-feed record. A 5xx asks the sender to retry.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	router, ok := h.routers[feed]
	if !ok {
		h.writeError(w, http.StatusNotFound, "Unknown event feed: "+feed)
		return
	}
	if h.signingSecret == "" {
		h.writeError(w, http.StatusServiceUnavailable, "Event ingestion is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read body: "+err.Error())
		return
	}
	if !cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), h.signingSecret) {
		slog.Warn("Rejected unsigned event", "feed", feed, "remote", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid event signature")
		return
	}

	event, err := cloudevent.Decode(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid event data: "+err.Error())
		return
	}

	outcome, err := router.HandleMessage(r.Context(), data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": event.ID, "outcome": outcome})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the job store or another dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
// Domain kinds are returned to the caller alongside the message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := map[string]string{"error": err.Error()}
	if kind := apperrors.KindOf(err); kind != "" {
		resp["kind"] = string(kind)
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		resp["field"] = appErr.Field
	}
	h.writeJSON(w, status, resp)
}

// ExecutionView is the public form of a run. Callback tokens are not
// exposed.
type ExecutionView struct {
	ExecutionID     string            `json:"executionId"`
	JobKey          string            `json:"jobKey"`
	DeviceID        string            `json:"deviceId"`
	Target          firmware.Target   `json:"target"`
	Status          job.Status        `json:"status"`
	StatusDetail    string            `json:"statusDetail,omitempty"`
	FailureKind     string            `json:"failureKind,omitempty"`
	ReportedVersion string            `json:"reportedVersion,omitempty"`
	BundleID        string            `json:"bundleId,omitempty"`
	UsedVersions    map[string]string `json:"usedVersions"`
	Waiting         job.WaitKind      `json:"waitingFor,omitempty"`
	WaitDeadline    *time.Time        `json:"waitDeadline,omitempty"`
	ChildJobs       []job.ChildJob    `json:"childJobs,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

func newExecutionView(j *job.Job) ExecutionView {
	v := ExecutionView{
		ExecutionID:     j.ExecutionID,
		JobKey:          j.Key,
		DeviceID:        j.DeviceID,
		Target:          j.Target,
		Status:          j.Status,
		StatusDetail:    j.StatusDetail,
		FailureKind:     j.FailureKind,
		ReportedVersion: j.ReportedVersion,
		BundleID:        j.BundleID,
		UsedVersions:    j.UsedVersions,
		ChildJobs:       j.ChildJobs,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if v.UsedVersions == nil {
		v.UsedVersions = map[string]string{}
	}
	if cb := j.PendingCallback; cb != nil {
		v.Waiting = cb.Kind
		v.WaitDeadline = cb.Deadline
	}
	return v
}
