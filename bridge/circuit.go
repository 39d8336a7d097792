package bridge

import (
	"sync"
	"time"
)

// CircuitState is one of the three states a circuit breaker occupies.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// circuitBreaker guards outbound transport calls: it trips to Open after
// threshold consecutive failures, refuses calls while Open, and allows a
// single trial call in Half-Open after resetTime has elapsed.
type circuitBreaker struct {
	mu            sync.Mutex
	threshold     int
	resetTime     time.Duration
	current       CircuitState
	failureStreak int
	openedAt      time.Time
	trialInFlight bool
}

func newCircuitBreaker(threshold int, resetTime time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTime <= 0 {
		resetTime = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, resetTime: resetTime, current: CircuitClosed}
}

// allow reports whether a call may proceed, transitioning Open→Half-Open
// once resetTime has elapsed. It never issues a downstream call itself.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.resetTime {
			return false
		}
		cb.current = CircuitHalfOpen
		cb.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return false
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureStreak = 0
	cb.trialInFlight = false
	cb.current = CircuitClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if cb.current == CircuitHalfOpen {
		cb.current = CircuitOpen
		cb.openedAt = time.Now()
		return
	}

	cb.failureStreak++
	if cb.failureStreak >= cb.threshold {
		cb.current = CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.current = CircuitClosed
	cb.failureStreak = 0
	cb.trialInFlight = false
}

func (cb *circuitBreaker) state() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current
}
