package fota

import (
	"context"
	"fmt"
	"fotaflow/internal/dispatcher"
	"fotaflow/internal/job"
	"fotaflow/pkg/cloudevent"
	"log/slog"
)

// Event types for run status notifications
const (
	EventTypeStatus = "fota.job.status"
	eventSource     = "fotaflow/orchestrator"
)

// EventBuilder builds CloudEvents for run status changes.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// BuildStatusEvent creates a status event for j. The event ID is derived
// from the record revision, so a redelivered notification keeps its ID.
func (b *EventBuilder) BuildStatusEvent(j *job.Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"executionId":     j.ExecutionID,
		"jobKey":          j.Key,
		"deviceId":        j.DeviceID,
		"target":          j.Target,
		"status":          j.Status,
		"statusDetail":    j.StatusDetail,
		"reportedVersion": j.ReportedVersion,
		"usedVersions":    j.UsedVersions,
	}
	if j.FailureKind != "" {
		data["failureKind"] = j.FailureKind
	}
	eventID := fmt.Sprintf("%s-%d", j.ExecutionID, j.Revision)
	return cloudevent.New(EventTypeStatus, b.source, j.ExecutionID, eventID, data)
}

// EventDispatcher queues events for delivery.
type EventDispatcher interface {
	Dispatch(event *dispatcher.Event) error
}

// WebhookNotifier posts signed status events to a webhook.
type WebhookNotifier struct {
	dispatcher EventDispatcher
	builder    *EventBuilder
	url        string
	signingKey string
	logger     *slog.Logger
}

// NewWebhookNotifier creates a notifier delivering to url through d.
func NewWebhookNotifier(d EventDispatcher, url, signingKey string) *WebhookNotifier {
	return &WebhookNotifier{
		dispatcher: d,
		builder:    NewEventBuilder(eventSource),
		url:        url,
		signingKey: signingKey,
		logger:     slog.With("component", "notifier"),
	}
}

// Notify queues a status event for j. Delivery failures are logged by the
// dispatcher.
func (n *WebhookNotifier) Notify(ctx context.Context, j *job.Job) {
	event := &dispatcher.Event{
		Payload:     n.builder.BuildStatusEvent(j),
		Destination: n.url,
		SigningKey:  n.signingKey,
	}
	if err := n.dispatcher.Dispatch(event); err != nil {
		n.logger.Warn("Status notification dropped", "executionId", j.ExecutionID, "status", j.Status, "error", err)
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
