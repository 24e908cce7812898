package forwarder

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// breakerState is the circuit position.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker sheds load away from an unhealthy downstream: after a
// threshold of consecutive failures it opens and fails fast for a cooldown,
// then lets a single probe through before closing again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openUntil time.Time
	probing   bool

	threshold int
	cooldown  time.Duration
	clk       clock.Clock
}

// NewCircuitBreaker creates a breaker with the given consecutive-failure
// threshold and open cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clk:       clk,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.clk.Now().Before(cb.openUntil) {
			return false
		}
		cb.state = breakerHalfOpen
		cb.probing = true
		return true
	case breakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.state = breakerClosed
}

// OnFailure records a failed call, opening the circuit at the threshold.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerHalfOpen {
		cb.probing = false
		cb.state = breakerOpen
		cb.openUntil = cb.clk.Now().Add(cb.cooldown)
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openUntil = cb.clk.Now().Add(cb.cooldown)
	}
}

// Open reports whether the circuit is currently failing fast.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == breakerOpen && cb.clk.Now().Before(cb.openUntil)
}
