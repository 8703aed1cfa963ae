package dispatcher

import (
	"context"
	"fmt"
	"fotaflow/pkg/backoff"
	"fotaflow/pkg/circuitbreaker"
	"fotaflow/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// item is one queued unit of work: exactly one field is set.
type item struct {
	task  *Task
	event *Event
}

// taskState tracks a task key between Submit and the end of its run.
type taskState struct {
	running bool
	rerun   bool
}

// MemoryDispatcher is an in-memory async dispatcher.
// Work is queued in a bounded channel and handled by a worker pool.
// If the buffer is full, work is dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue    chan item
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	mu    sync.Mutex
	tasks map[string]*taskState

	// Internal counters (for Stats())
	queued       atomic.Int64
	coalesced    atomic.Int64
	tasksRun     atomic.Int64
	tasksFailed  atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan item, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		tasks:    make(map[string]*taskState),
		shutdown: make(chan struct{}),
	}
	d.breakers.OnStateChange(func(host string, from, to gobreaker.State) {
		d.logger.Info("Circuit state changed", "destination", host, "from", from.String(), "to", to.String())
	})

	// Start workers
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	// Start queue size reporter if metrics enabled
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Submit queues a task for async execution.
func (d *MemoryDispatcher) Submit(task Task) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no Run function", task.Key)
	}

	d.mu.Lock()
	if st, ok := d.tasks[task.Key]; ok {
		if st.running {
			st.rerun = true
		}
		d.mu.Unlock()
		d.coalesced.Add(1)
		return nil
	}
	d.tasks[task.Key] = &taskState{}
	d.mu.Unlock()

	if err := d.enqueue(item{task: &task}); err != nil {
		d.mu.Lock()
		delete(d.tasks, task.Key)
		d.mu.Unlock()
		d.logger.Warn("Task dropped, buffer full", "key", task.Key)
		return err
	}
	return nil
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.enqueue(item{event: event}); err != nil {
		d.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
		)
		return err
	}
	return nil
}

func (d *MemoryDispatcher) enqueue(it item) error {
	select {
	case d.queue <- it:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Coalesced:     d.coalesced.Load(),
		TasksRun:      d.tasksRun.Load(),
		TasksFailed:   d.tasksFailed.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	// Signal workers to stop
	close(d.shutdown)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"tasks", d.tasksRun.Load(),
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load()+d.tasksFailed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes items from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			// Drain remaining items before exiting
			d.drainQueue()
			return
		case it := <-d.queue:
			d.handle(it)
		}
	}
}

// drainQueue handles remaining items after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case it := <-d.queue:
			d.handle(it)
		default:
			return // queue empty
		}
	}
}

func (d *MemoryDispatcher) handle(it item) {
	if it.task != nil {
		d.runTask(it.task)
		return
	}
	d.deliver(it.event)
}

// runTask runs a task with retry, then re-queues it once if it was
// submitted again while running.
func (d *MemoryDispatcher) runTask(task *Task) {
	d.mu.Lock()
	st := d.tasks[task.Key]
	if st == nil {
		st = &taskState{}
		d.tasks[task.Key] = st
	}
	st.running = true
	d.mu.Unlock()

	start := time.Now()
	cfg := &backoff.Config{MaxAttempts: defaultMaxRetries + 1}
	err := backoff.Retry(context.Background(), cfg, func(attempt int) error {
		if attempt > 1 {
			d.retriesTotal.Add(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.config.TaskTimeout)
		defer cancel()
		return task.Run(ctx)
	})

	if err != nil {
		d.tasksFailed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(context.Background())
		}
		d.logger.Warn("Task failed", "key", task.Key, "error", err)
	} else {
		d.tasksRun.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(context.Background(), time.Since(start).Seconds())
		}
	}

	d.mu.Lock()
	rerun := st.rerun && !d.closed.Load()
	if rerun {
		st.running = false
		st.rerun = false
	} else {
		delete(d.tasks, task.Key)
	}
	d.mu.Unlock()

	if rerun {
		if err := d.enqueue(item{task: task}); err != nil {
			d.mu.Lock()
			delete(d.tasks, task.Key)
			d.mu.Unlock()
			d.logger.Warn("Task rerun dropped, buffer full", "key", task.Key)
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	if d.breakers.Get(host).State() == gobreaker.StateOpen {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := d.breakers.Execute(host, func() error {
		return d.sendWithRetry(ctx, event)
	})
	if circuitbreaker.IsOpen(err) {
		d.requeue(event, host)
		return
	}
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back in the queue after a delay when circuit is open.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.Requeues >= defaultMaxRequeues {
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.Requeues,
		)
		return
	}

	event.Requeues++
	requeues := event.Requeues // capture for goroutine
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	// Requeue after cooldown period so circuit has time to recover
	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case d.queue <- item{event: event}:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
		default:
			// Buffer full, drop
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDropped(context.Background())
			}
			d.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", event.Payload.Type)
		}
	}()
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
		Signature:  event.Signature,
	}

	cfg := &backoff.Config{MaxAttempts: defaultMaxRetries + 1}
	return backoff.Retry(ctx, cfg, func(attempt int) error {
		if attempt > 1 {
			d.retriesTotal.Add(1)
		}
		err := d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if cloudevent.IsClientError(err) {
			return &backoff.Permanent{Err: err}
		}
		return err
	})
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
