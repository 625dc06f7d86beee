package fetcher

import (
	"time"

	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker guards one (source, asset) pair. Closed admits calls;
// Open rejects them until openTimeout has passed since the last
// failure; HalfOpen admits calls and closes after three consecutive
// successes.
type CircuitBreaker struct {
	state        CircuitState
	failureCount int
	successCount int
	threshold    int
	openTimeout  time.Duration
	lastFailure  time.Time
	clock        util.Clock
}

func NewCircuitBreaker(threshold int, openTimeout time.Duration, clock util.Clock) *CircuitBreaker {
	return &CircuitBreaker{
		state:       Closed,
		threshold:   threshold,
		openTimeout: openTimeout,
		clock:       clock,
	}
}

func (b *CircuitBreaker) State() CircuitState { return b.state }

func (b *CircuitBreaker) FailureCount() int { return b.failureCount }

// CanCall reports whether a call may proceed, transitioning
// Open -> HalfOpen once the timeout since the last failure has elapsed.
func (b *CircuitBreaker) CanCall() bool {
	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.clock.Now().Sub(b.lastFailure) > b.openTimeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	}
	return false
}

func (b *CircuitBreaker) RecordSuccess() {
	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= 3 {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}

func (b *CircuitBreaker) RecordFailure() {
	b.lastFailure = b.clock.Now()
	switch b.state {
	case HalfOpen:
		// Recovery test failed; reopen and restart the timer.
		b.state = Open
		b.successCount = 0
	default:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = Open
		}
	}
}
