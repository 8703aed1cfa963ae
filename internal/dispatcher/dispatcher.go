// Package dispatcher runs orchestration steps and webhook deliveries on a
// bounded worker pool with retry.
package dispatcher

import (
	"context"
	"errors"
	"fotaflow/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the item is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, item dropped")

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async execution of tasks and delivery of events.
// Implementations may use in-memory buffering, message queues, etc.
type Dispatcher interface {
	// Submit queues a task. Non-blocking. A task whose key is already
	// queued is coalesced; one whose key is running is run once more after
	// the current run finishes.
	Submit(task Task) error

	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to run queued work.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Task is a unit of in-process work. Run is retried with backoff when it
// returns an error, unless the error is a *backoff.Permanent.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Signature   string // Pre-computed signature, takes precedence over SigningKey
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total items queued
	Coalesced     int64 // task submissions merged into a queued or running task
	TasksRun      int64 // tasks completed without error
	TasksFailed   int64 // tasks failed after retries
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
