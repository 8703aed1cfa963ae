package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, steps and upgrades take
// - Traffic: Request, step and change-feed throughput
// - Errors: Rate of failures
// - Saturation: Active upgrades and dispatcher queue depth
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Upgrade metrics (Latency, Traffic, Errors, Saturation)
	UpgradeDuration  metric.Float64Histogram
	UpgradesStarted  metric.Int64Counter
	UpgradesFinished metric.Int64Counter
	UpgradesActive   metric.Int64UpDownCounter

	// Orchestration step and callback metrics
	StepDuration      metric.Float64Histogram
	StepsTotal        metric.Int64Counter
	CallbacksResolved metric.Int64Counter

	// External device-management API metrics
	ExternalRequestDuration metric.Float64Histogram
	ExternalRequestsTotal   metric.Int64Counter

	// Change-feed metrics
	FeedMessagesTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fotaflow")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}
	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.UpgradeDuration = b.histogram("fota_upgrade_duration_seconds", "Time from upgrade start to terminal status in seconds",
		60, 300, 900, 1800, 3600, 3*3600, 6*3600, 12*3600, 24*3600, 72*3600)
	m.UpgradesStarted = b.counter("fota_upgrades_started_total", "Total number of upgrades started")
	m.UpgradesFinished = b.counter("fota_upgrades_finished_total", "Total number of upgrades reaching a terminal status")
	m.UpgradesActive = b.upDown("fota_upgrades_active", "Number of upgrades not yet terminal (saturation)")

	m.StepDuration = b.histogram("fota_step_duration_seconds", "Orchestration step latency in seconds",
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.StepsTotal = b.counter("fota_steps_total", "Total number of orchestration steps executed")
	m.CallbacksResolved = b.counter("fota_callbacks_total", "Continuation resolutions by kind and outcome")

	m.ExternalRequestDuration = b.histogram("fota_external_request_duration_seconds", "Device-management API latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.ExternalRequestsTotal = b.counter("fota_external_requests_total", "Total device-management API calls")

	m.FeedMessagesTotal = b.counter("fota_feed_messages_total", "Change-feed messages consumed by source and outcome")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Task run latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total tasks completed")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total tasks failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total tasks dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total tasks requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of tasks in dispatcher queue (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordUpgradeStarted records a new upgrade run.
func (m *Metrics) RecordUpgradeStarted(ctx context.Context, target string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(targetAttr(target))
	m.UpgradesStarted.Add(ctx, 1, attrs)
	m.UpgradesActive.Add(ctx, 1, attrs)
}

// RecordUpgradeFinished records an upgrade reaching a terminal status.
func (m *Metrics) RecordUpgradeFinished(ctx context.Context, target, status, failureKind string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(targetAttr(target), statusNameAttr(status), kindAttr(failureKind))
	m.UpgradesFinished.Add(ctx, 1, attrs)
	m.UpgradeDuration.Record(ctx, durationSeconds, metric.WithAttributes(targetAttr(target), statusNameAttr(status)))
	m.UpgradesActive.Add(ctx, -1, metric.WithAttributes(targetAttr(target)))
}

// RecordStep records one orchestration step.
func (m *Metrics) RecordStep(ctx context.Context, step string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(stepAttr(step), successAttr(success))
	m.StepsTotal.Add(ctx, 1, attrs)
	m.StepDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCallback records a continuation resolution. outcome is one of
// "success", "failure" or "stale".
func (m *Metrics) RecordCallback(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksResolved.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome)))
}

// RecordExternalRequest records a device-management API call.
func (m *Metrics) RecordExternalRequest(ctx context.Context, op string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(opAttr(op), successAttr(success))
	m.ExternalRequestsTotal.Add(ctx, 1, attrs)
	m.ExternalRequestDuration.Record(ctx, durationSeconds, attrs)
}

// RecordFeedMessage records a consumed change-feed message.
func (m *Metrics) RecordFeedMessage(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.FeedMessagesTotal.Add(ctx, 1, metric.WithAttributes(sourceAttr(source), outcomeAttr(outcome)))
}

// RecordDispatcherDelivered records a completed task with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed task.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped task.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued task.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
