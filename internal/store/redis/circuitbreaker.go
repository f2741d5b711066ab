package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"autotrade/internal/model"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // calls pass through
	StateOpen     State = 1 // calls rejected until resetTimeout elapses
	StateHalfOpen State = 2 // one trial call allowed
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

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = model.ErrCircuitOpen

// CircuitBreaker trips after maxFailures consecutive failures and rejects
// calls for resetTimeout. After the timeout a single trial call is let through:
// success closes the breaker, failure reopens it.
//
// A missing key (redis.Nil) and a cancelled caller are answers, not outages,
// and never count as failures.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	trialling    bool
	now          func() time.Time

	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, goredis.Nil) && !errors.Is(err, model.ErrNoPrice) &&
		!errors.Is(err, context.Canceled)
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling fn when the breaker is open or a trial call is already in flight.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.trialling = true
	case StateHalfOpen:
		if cb.trialling {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialling = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasTrial := cb.state == StateHalfOpen
	if wasTrial {
		cb.trialling = false
	}

	if countsAsFailure(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if wasTrial || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return err
	}

	if wasTrial {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	return err
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
