package redis

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // calls pass through
	StateOpen     State = 1 // calls rejected until the reset timeout elapses
	StateHalfOpen State = 2 // one trial call allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker opens after maxFailures consecutive failures and rejects
// calls for resetTimeout. It then lets a single trial call through: success
// closes it, failure reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	clock        clock.Clock
	state        State
	failures     int
	probing      bool
	maxFailures  int
	resetTimeout time.Duration
	openedAt     time.Time

	// OnStateChange is called with the lock held; it must not call back
	// into the breaker.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a circuit breaker on clk; nil means wall clock.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		clock:        clk,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	cb.probing = false
	if err == nil {
		cb.failures = 0
		if wasTrial {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	if wasTrial || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.clock.Now()
		cb.transition(StateOpen)
	}
}

// CurrentState returns the current circuit breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
