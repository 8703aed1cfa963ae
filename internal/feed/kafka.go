package feed

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/pkg/backoff"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSource reads topics through a Kafka consumer group. Offsets are
// committed only after the handler succeeds. A failing message is retried
// in place, which holds back its partition; per-key order is kept.
type KafkaSource struct {
	reader *kafka.Reader
	config Config
	logger *slog.Logger
}

// NewKafkaSource creates a source over topics. The reader connects lazily.
func NewKafkaSource(topics []string, cfg Config) *KafkaSource {
	cfg = cfg.withDefaults()
	return &KafkaSource{
		reader: kafka.NewReader(ReaderConfig(topics, cfg)),
		config: cfg,
		logger: slog.With("component", "feed-kafka"),
	}
}

// ReaderConfig builds the consumer-group reader configuration.
func ReaderConfig(topics []string, cfg Config) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.Group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        cfg.Block,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
}

// Run fetches, handles and commits messages until ctx is done.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) error {
	s.logger.Info("Consuming topics", "topics", s.reader.Config().GroupTopics, "group", s.config.Group)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		msg := Message{
			Stream: m.Topic,
			ID:     fmt.Sprintf("%d/%d", m.Partition, m.Offset),
			Body:   m.Value,
		}
		if !s.handleUntilDone(ctx, msg, handle) {
			return nil
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Failed to commit offset", "topic", m.Topic, "id", msg.ID, "error", err)
		}
	}
}

// handleUntilDone retries handle with backoff until it succeeds. Returns
// false if ctx ended first.
func (s *KafkaSource) handleUntilDone(ctx context.Context, msg Message, handle Handler) bool {
	cfg := &backoff.Config{Initial: 200 * time.Millisecond, Max: s.config.RetryMax}
	for attempt := 1; ; attempt++ {
		err := handle(ctx, msg)
		if err == nil {
			return true
		}
		wait := backoff.Exponential(attempt, cfg)
		s.logger.Warn("Message handling failed, retrying", "topic", msg.Stream, "id", msg.ID, "attempt", attempt, "retryIn", wait, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Close leaves the consumer group.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

var _ Source = (*KafkaSource)(nil)
