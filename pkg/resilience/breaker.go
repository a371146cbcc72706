// Package resilience implements the circuit breaker protecting calls to
// external dependencies.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/virtdesk/broker/pkg/errors"
)

var (
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	circuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_circuit_breaker_trips_total",
		Help: "Number of times the circuit breaker tripped to OPEN",
	}, []string{"name"})
)

// State is the circuit breaker state.
type State int

// Circuit breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// trips the circuit.
	DefaultFailureThreshold = 5

	// DefaultRecoveryTimeout is how long the circuit stays OPEN before a
	// probe call is allowed.
	DefaultRecoveryTimeout = 30 * time.Second
)

// CircuitBreaker is a thread-safe circuit breaker.
//
// CLOSED: calls pass through and consecutive failures are counted. After
// failureThreshold consecutive failures the circuit trips to OPEN and calls
// are rejected immediately with a circuit-open error carrying the time until
// the next probe. After recoveryTimeout the state moves to HALF_OPEN and one
// probe call is allowed through: success closes the circuit, failure reopens
// it.
//
// The wrapped call executes outside the mutex so concurrent callers are not
// serialized behind in-flight I/O.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	// now is replaceable in tests.
	now func() time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure trip threshold.
func WithFailureThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithRecoveryTimeout sets the OPEN-to-HALF_OPEN delay.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.recoveryTimeout = d }
}

// WithClock replaces the breaker's clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a circuit breaker for the named dependency.
func NewCircuitBreaker(name string, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	circuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// State returns the current state, transitioning OPEN to HALF_OPEN lazily
// once the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Healthy reports whether the circuit is CLOSED.
func (cb *CircuitBreaker) Healthy() bool {
	return cb.State() == StateClosed
}

// Call executes fn through the circuit breaker. When the circuit is OPEN a
// circuit-open error is returned without invoking fn.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	cb.maybeHalfOpenLocked()
	if cb.state == StateOpen {
		retryAfter := cb.recoveryTimeout - cb.now().Sub(cb.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		cb.mu.Unlock()
		return errors.Newf(errors.KindCircuitOpen,
			"circuit %q is open, retry after %s", cb.name, retryAfter.Round(time.Second))
	}
	cb.mu.Unlock()

	// The I/O happens with the lock released.
	if err := fn(ctx); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// Reset forces the circuit back to CLOSED. Admin and tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.openedAt = time.Time{}
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
		cb.setStateLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.setStateLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.openedAt = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		// Failed probe reopens the circuit.
		cb.setStateLocked(StateOpen)
		circuitTrips.WithLabelValues(cb.name).Inc()
	case cb.state == StateClosed && cb.failureCount >= cb.failureThreshold:
		cb.setStateLocked(StateOpen)
		circuitTrips.WithLabelValues(cb.name).Inc()
	}
}

func (cb *CircuitBreaker) setStateLocked(s State) {
	cb.state = s
	circuitState.WithLabelValues(cb.name).Set(float64(s))
}
