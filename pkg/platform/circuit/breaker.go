// Package circuit provides a two-state circuit breaker used to distinguish
// machine-level connectivity loss from per-resource failures during a sync
// run.
package circuit

import "sync"

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the upstream is healthy and requests flow normally.
	StateClosed State = iota
	// StateOpen means the circuit has tripped; callers should treat the
	// upstream as unreachable.
	StateOpen
)

// Breaker tracks consecutive transport-level failures against an upstream.
// When closed, requests flow normally. After FailureThreshold consecutive
// failures the circuit opens. A single success while open closes it again:
// the upstream either answers or it doesn't, there is no half-open probe
// traffic to meter here.
type Breaker struct {
	mu               sync.Mutex
	state            State
	name             string
	failureCount     int
	failureThreshold int
}

// Option configures a Breaker instance.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures to open the
// circuit. Default is 3.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// New creates a circuit breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the circuit breaker's name for logging.
func (b *Breaker) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// IsOpen returns true if the circuit is open (tripped).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// RecordFailure records a failed transport-level operation. It returns true
// if the circuit is now open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
	}
	return b.state == StateOpen
}

// RecordSuccess records a successful operation and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
}
