// Package feed consumes the job-status and device-state change-feeds.
//
// Sources deliver at least once: a message whose handler returns an error
// is not acknowledged and will be seen again. Handlers must therefore be
// idempotent.
package feed

import (
	"context"
	"fmt"
	"fotaflow/internal/config"
	"log/slog"
	"os"
	"sort"
	"time"
)

// Message is one change-feed record.
type Message struct {
	Stream string // stream or topic name
	ID     string // source-specific position
	Body   []byte // JSON event
}

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

// Source reads messages from a change-feed until ctx is done.
type Source interface {
	Run(ctx context.Context, handle Handler) error
	Close() error
}

// Config holds change-feed settings shared by all sources.
type Config struct {
	JobStatusStream   string
	DeviceStateStream string
	Group             string        // consumer group
	Consumer          string        // consumer name within the group (Redis)
	Block             time.Duration // XREADGROUP block / Kafka max wait (default: 5s)
	Batch             int           // messages per read (default: 50)
	ClaimIdle         time.Duration // reclaim unacknowledged Redis entries idle this long (default: 1m)
	KafkaBrokers      []string
	RetryMax          time.Duration // longest pause between handler retries (default: 10s)
}

// LoadConfigFromEnv loads change-feed configuration from environment variables.
func LoadConfigFromEnv() Config {
	host, _ := os.Hostname()
	cfg := Config{
		JobStatusStream:   config.GetEnv("FEED_JOB_STATUS_STREAM", "fota.job-status"),
		DeviceStateStream: config.GetEnv("FEED_DEVICE_STATE_STREAM", "fota.device-state"),
		Group:             config.GetEnv("FEED_GROUP", "fotaflow"),
		Consumer:          config.GetEnv("FEED_CONSUMER", host),
		Block:             config.GetDurationEnv("FEED_BLOCK", 5*time.Second),
		Batch:             config.GetIntEnv("FEED_BATCH", 50),
		ClaimIdle:         config.GetDurationEnv("FEED_CLAIM_IDLE", time.Minute),
		KafkaBrokers:      config.GetListEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		RetryMax:          config.GetDurationEnv("FEED_RETRY_MAX", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.JobStatusStream == "" {
		c.JobStatusStream = "fota.job-status"
	}
	if c.DeviceStateStream == "" {
		c.DeviceStateStream = "fota.device-state"
	}
	if c.Group == "" {
		c.Group = "fotaflow"
	}
	if c.Consumer == "" {
		c.Consumer = "fotaflow-1"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	return c
}

// Streams returns the streams the service consumes.
func (c Config) Streams() []string {
	return []string{c.JobStatusStream, c.DeviceStateStream}
}

// RouteFunc handles the body of one message and reports its outcome.
type RouteFunc func(ctx context.Context, body []byte) (string, error)

// MetricsRecorder records consumed messages.
type MetricsRecorder interface {
	RecordFeedMessage(ctx context.Context, source, outcome string)
}

// Mux routes messages to a RouteFunc by stream name.
type Mux struct {
	routes  map[string]RouteFunc
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewMux creates an empty mux. metrics may be nil.
func NewMux(metrics MetricsRecorder) *Mux {
	return &Mux{
		routes:  map[string]RouteFunc{},
		metrics: metrics,
		logger:  slog.With("component", "feed"),
	}
}

// Route registers fn for stream.
func (m *Mux) Route(stream string, fn RouteFunc) {
	m.routes[stream] = fn
}

// Streams returns the registered stream names, sorted.
func (m *Mux) Streams() []string {
	out := make([]string, 0, len(m.routes))
	for s := range m.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Handle is a Handler dispatching on msg.Stream. Messages on unknown
// streams are acknowledged and dropped.
func (m *Mux) Handle(ctx context.Context, msg Message) error {
	fn, ok := m.routes[msg.Stream]
	if !ok {
		m.logger.Warn("No route for stream", "stream", msg.Stream, "id", msg.ID)
		m.record(ctx, msg.Stream, "unrouted")
		return nil
	}
	outcome, err := fn(ctx, msg.Body)
	if err != nil {
		m.record(ctx, msg.Stream, "error")
		return fmt.Errorf("handle %s/%s: %w", msg.Stream, msg.ID, err)
	}
	m.record(ctx, msg.Stream, outcome)
	return nil
}

func (m *Mux) record(ctx context.Context, stream, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordFeedMessage(ctx, stream, outcome)
	}
}
