package job

import (
	"context"
	"errors"
)

// Backend errors. Implementations return these, possibly wrapped.
var (
	ErrNotFound         = errors.New("job not found")
	ErrExists           = errors.New("active job already exists")
	ErrRevisionMismatch = errors.New("job revision mismatch")
)

// Backend is durable storage for Job records.
//
// Implementations must make Insert and Swap atomic with respect to each
// other: concurrent callers racing on the same key or execution see at most
// one success.
type Backend interface {
	// Insert stores a new record. Returns ErrExists if the key already has
	// a non-terminal record or the execution ID is taken.
	Insert(ctx context.Context, j *Job) error

	// Load returns the most recent record for a device+target key.
	Load(ctx context.Context, key string) (*Job, error)

	// LoadExecution returns the record for one run.
	LoadExecution(ctx context.Context, executionID string) (*Job, error)

	// Swap replaces the stored record for j.ExecutionID with j if the stored
	// revision equals expectRevision. Returns ErrRevisionMismatch otherwise.
	Swap(ctx context.Context, j *Job, expectRevision int64) error

	// ListByDevice returns every run for a device, newest first.
	ListByDevice(ctx context.Context, deviceID string) ([]*Job, error)

	// ListActive returns all non-terminal runs, oldest first.
	ListActive(ctx context.Context) ([]*Job, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
