package job

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. Used for tests and for
// single-instance deployments that accept losing state on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Job   // executionID -> record
	latest  map[string]string // key -> executionID
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*Job),
		latest:  make(map[string]string),
	}
}

// Insert stores a new record.
func (m *MemoryBackend) Insert(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[j.ExecutionID]; exists {
		return ErrExists
	}
	if id, ok := m.latest[j.Key]; ok && !m.records[id].Status.Terminal() {
		return ErrExists
	}
	m.records[j.ExecutionID] = j.Clone()
	m.latest[j.Key] = j.ExecutionID
	return nil
}

// Load returns the most recent record for key.
func (m *MemoryBackend) Load(_ context.Context, key string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.latest[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.records[id].Clone(), nil
}

// LoadExecution returns the record for executionID.
func (m *MemoryBackend) LoadExecution(_ context.Context, executionID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.records[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// Swap replaces the record if its revision matches.
func (m *MemoryBackend) Swap(_ context.Context, j *Job, expectRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[j.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != expectRevision {
		return ErrRevisionMismatch
	}
	m.records[j.ExecutionID] = j.Clone()
	return nil
}

// ListByDevice returns all runs for deviceID, newest first.
func (m *MemoryBackend) ListByDevice(_ context.Context, deviceID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.records {
		if j.DeviceID == deviceID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

// ListActive returns all non-terminal runs, oldest first.
func (m *MemoryBackend) ListActive(_ context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.records {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
