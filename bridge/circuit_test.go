package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, cb.allow())
		cb.recordFailure()
	}

	assert.Equal(t, CircuitOpen, cb.state())
	assert.False(t, cb.allow(), "no downstream call while open")
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newCircuitBreaker(1, 20*time.Millisecond)

	assert.True(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, CircuitOpen, cb.state())

	time.Sleep(30 * time.Millisecond)

	assert.True(t, cb.allow())
	assert.Equal(t, CircuitHalfOpen, cb.state())
	cb.recordSuccess()
	assert.Equal(t, CircuitClosed, cb.state())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(1, 20*time.Millisecond)

	cb.allow()
	cb.recordFailure()
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, CircuitOpen, cb.state())
}
