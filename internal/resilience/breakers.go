// Package resilience provides circuit breaking for exchange transport and
// execution quality tracking for the entry ladder.
package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"

	"sentinentx/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears closed-state counts; zero never clears them.
	Interval time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// DefaultBreakerConfig returns the transport breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Timeout:          30 * time.Second,
		Interval:         60 * time.Second,
		MaxRequests:      1,
	}
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"state"`
	Requests             uint32       `json:"requests"`
	TotalFailures        uint32       `json:"total_failures"`
	ConsecutiveFailures  uint32       `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32       `json:"consecutive_successes"`
}

// Breakers is a registry of named circuit breakers.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*cb.CircuitBreaker
	config   BreakerConfig
	logger   zerolog.Logger
}

// NewBreakers creates a registry that builds breakers from config on first use.
func NewBreakers(config BreakerConfig, logger zerolog.Logger) *Breakers {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
	return &Breakers{
		breakers: make(map[string]*cb.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// get returns or creates the breaker for name.
func (r *Breakers) get(name string) *cb.CircuitBreaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}

	threshold := r.config.FailureThreshold
	st := cb.Settings{Name: name}
	st.MaxRequests = r.config.MaxRequests
	st.Interval = r.config.Interval
	st.Timeout = r.config.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		r.logger.Warn().
			Str("breaker", name).
			Str("from", string(stateOf(from))).
			Str("to", string(stateOf(to))).
			Msg("Circuit breaker state changed")
	}

	b := cb.NewCircuitBreaker(st)
	r.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker. An open circuit returns
// errors.ErrCircuitOpen without calling fn.
func (r *Breakers) Execute(name string, fn func() (any, error)) (any, error) {
	if r == nil {
		return fn()
	}
	out, err := r.get(name).Execute(fn)
	if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
		return nil, errors.Wrapf(errors.ErrCircuitOpen, "%s", name)
	}
	return out, err
}

// Do is Execute for calls without a result.
func (r *Breakers) Do(name string, fn func() error) error {
	_, err := r.Execute(name, func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state of the named breaker.
func (r *Breakers) State(name string) CircuitState {
	return stateOf(r.get(name).State())
}

// AllStats returns statistics for all breakers.
func (r *Breakers) AllStats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for name, b := range r.breakers {
		counts := b.Counts()
		stats = append(stats, BreakerStats{
			Name:                 name,
			State:                stateOf(b.State()),
			Requests:             counts.Requests,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		})
	}
	return stats
}

func stateOf(s cb.State) CircuitState {
	switch s {
	case cb.StateOpen:
		return CircuitOpen
	case cb.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
