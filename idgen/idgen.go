// Package idgen provides the identifier sources used by viewreplay.
//
// Two families live here: the numeric Allocator that hands out stable node
// identities for captured UI elements, and string Generators used for
// session and batch identifiers on the wire.
package idgen

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Allocator is a wrapping int64 counter. Allocate returns the current value
// and advances it; once the counter reaches max it restarts at initial.
type Allocator struct {
	mu      sync.Mutex
	initial int64
	max     int64
	next    int64
}

// NewAllocator returns an Allocator producing initial, initial+1, ... max,
// initial, ... It panics when the bounds are negative or inverted.
func NewAllocator(initial, max int64) *Allocator {
	if initial < 0 || max < initial {
		panic(fmt.Sprintf("idgen: invalid allocator bounds [%d, %d]", initial, max))
	}
	return &Allocator{initial: initial, max: max, next: initial}
}

// Allocate returns the next identity.
func (a *Allocator) Allocate() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	if a.next < a.max {
		a.next++
	} else {
		a.next = a.initial
	}
	return id
}

// Reset rewinds the counter to its initial value. Call only at a session
// boundary: identities handed out before the reset may be reissued.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.next = a.initial
	a.mu.Unlock()
}

// DefaultAllocator is the process-wide node identity source. It starts at 1
// so that 0 stays free to mean "no parent" on the wire.
var DefaultAllocator = NewAllocator(1, math.MaxInt64)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so batch ids order the same way as their flush time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "ses_", "bat_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the string generator used when none is configured.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
