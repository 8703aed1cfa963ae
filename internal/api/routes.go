package api

import (
	"fotaflow/internal/fota"
	"fotaflow/internal/health"
	"fotaflow/internal/observability"
	"net/http"
)

// Event feed names accepted by POST /internal/events/{feed}.
const (
	FeedJobStatus   = "job-status"
	FeedDeviceState = "device-state"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service            *fota.Service
	JobStatusRouter    EventRouter
	DeviceStateRouter  EventRouter
	Metrics            *observability.Metrics
	HealthChecker      *health.Checker
	APIKey             string
	EventSigningSecret string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	routers := map[string]EventRouter{}
	if cfg.JobStatusRouter != nil {
		routers[FeedJobStatus] = cfg.JobStatusRouter
	}
	if cfg.DeviceStateRouter != nil {
		routers[FeedDeviceState] = cfg.DeviceStateRouter
	}
	handler := NewHandler(cfg.Service, cfg.HealthChecker, routers, cfg.EventSigningSecret)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /v1/health/livez", handler.Livez)
	mux.HandleFunc("GET /v1/health/readyz", handler.Readyz)

	// Internal endpoints - authenticated by event signature
	mux.HandleFunc("POST /internal/events/{feed}", handler.IngestEvent)

	// FOTA endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/devices/{deviceId}/fota", authMiddleware(http.HandlerFunc(handler.StartUpgrade)))
	mux.Handle("GET /v1/devices/{deviceId}/fota", authMiddleware(http.HandlerFunc(handler.ListExecutions)))
	mux.Handle("DELETE /v1/devices/{deviceId}/fota/{executionId}", authMiddleware(http.HandlerFunc(handler.AbortUpgrade)))
	mux.Handle("GET /v1/fota/{executionId}", authMiddleware(http.HandlerFunc(handler.GetExecution)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
