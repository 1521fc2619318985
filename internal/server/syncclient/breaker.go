// Package syncclient propagates session and user events to the peer service
// and serves as its fallback validator. Calls are wrapped in exponential
// backoff, a circuit breaker, and a bounded replay queue so an unreachable
// peer never blocks or fails a primary operation.
package syncclient

import (
	"sync"
	"time"
)

// Breaker states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Breaker is a per-dependency circuit breaker. All transitions happen under
// one mutex so concurrent failing calls cannot race the state machine.
//
// CLOSED counts consecutive failures and opens at the threshold. OPEN fails
// fast without I/O until the cooldown elapses, then admits exactly one
// HALF_OPEN trial call: success closes the circuit, failure reopens it.
type Breaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	threshold      int
	cooldown       time.Duration
	lastTransition time.Time
	trialInFlight  bool
	now            func() time.Time
}

// NewBreaker constructs a closed Breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the cooldown has elapsed it
// moves OPEN to HALF_OPEN and grants the single trial slot to the caller.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastTransition) < b.cooldown {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure reports a failed call outcome and returns the resulting
// state, so callers can log transitions.
func (b *Breaker) RecordFailure() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transitionLocked(StateOpen)
		}
	}
	return b.state
}

// CurrentState returns the breaker state at this instant.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(next State) {
	b.state = next
	b.lastTransition = b.now()
	if next != StateHalfOpen {
		b.trialInFlight = false
	}
	if next == StateClosed {
		b.failures = 0
	}
}
