// Package circuitbreaker keeps one circuit breaker per remote resource.
//
// Breakers are sony/gobreaker instances that open after a run of
// consecutive failures and let a single probe through after the cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds configuration for the breakers of a registry.
type Config struct {
	Threshold uint32        // Consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// IsSuccessful classifies results. Errors it accepts do not count as
	// failures; a caller's own 4xx is not the remote being unhealthy.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// IsOpen reports whether err was returned because a breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Registry manages circuit breakers for multiple resources.
// Breakers are created lazily on first access.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   Config
	onChange func(key string, from, to gobreaker.State)
}

// NewRegistry creates a new registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg.withDefaults(),
	}
}

// OnStateChange sets a callback invoked when any breaker changes state.
// Must be called before the first Get.
func (r *Registry) OnStateChange(fn func(key string, from, to gobreaker.State)) {
	r.onChange = fn
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists = r.breakers[key]; exists {
		return b
	}

	threshold := r.config.Threshold
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: r.config.IsSuccessful,
	}
	if r.onChange != nil {
		onChange := r.onChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from, to)
		}
	}
	b = gobreaker.NewCircuitBreaker(settings)
	r.breakers[key] = b
	return b
}

// Execute runs fn through the breaker for key.
func (r *Registry) Execute(key string, fn func() error) error {
	_, err := r.Get(key).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total: len(r.breakers),
	}
	for _, b := range r.breakers {
		switch b.State() {
		case gobreaker.StateOpen:
			stats.Open++
		case gobreaker.StateHalfOpen:
			stats.HalfOpen++
		case gobreaker.StateClosed:
			stats.Closed++
		}
	}
	return stats
}

// Stats holds registry statistics.
type Stats struct {
	Total    int // Total breakers
	Open     int // Breakers in open state
	HalfOpen int // Breakers in half-open state
	Closed   int // Breakers in closed state
}

// Remove removes a breaker from the registry.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}
