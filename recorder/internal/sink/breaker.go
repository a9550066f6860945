package sink

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // deliveries pass through
	BreakerOpen                         // deliveries rejected immediately
	BreakerHalfOpen                     // probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("BreakerState(%d)", int(s))
}

// ErrCircuitOpen is returned when a sink's breaker rejects a delivery
// without contacting the endpoint.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("sink: circuit open: %s", e.Endpoint)
}

// Breaker trips open after consecutive delivery failures so a dead collector
// is not hammered on every flush.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	openedAt     time.Time
	now          func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the failure count that opens the breaker. Default: 5.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open. Default: 30s.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets the successes needed to close from half-open. Default: 1.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// WithBreakerClock injects a clock.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  1,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Allow reports whether a delivery may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state != BreakerOpen
}

// Success records a delivered batch.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures, b.successes = 0, 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// Failure records a failed delivery.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// advance moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
