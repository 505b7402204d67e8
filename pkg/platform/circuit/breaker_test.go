package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("upstream", WithFailureThreshold(2))

	assert.False(t, b.RecordFailure())
	assert.False(t, b.IsOpen())

	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	b := New("upstream", WithFailureThreshold(1))
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())

	// Failure count restarts from zero after closing.
	b2 := New("upstream", WithFailureThreshold(2))
	b2.RecordFailure()
	b2.RecordSuccess()
	assert.False(t, b2.RecordFailure())
}

func TestBreakerDefaults(t *testing.T) {
	b := New("upstream", nil)
	assert.Equal(t, "upstream", b.Name())
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}
