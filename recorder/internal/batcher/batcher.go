// Package batcher accumulates replay events and hands them off in batches.
package batcher

import (
	"time"

	"github.com/hazyhaar/viewreplay/mutation"
)

// Config controls batching.
type Config struct {
	// Window is how long the first buffered event may wait. Default: 5s.
	Window time.Duration
	// MaxEvents flushes immediately when this many events accumulate. Default: 500.
	MaxEvents int
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Second
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 500
	}
}

// Batcher buffers events and emits them when the window opened by the first
// buffered event expires or the buffer fills. It is not safe for concurrent
// use; the owner serialises access.
type Batcher struct {
	cfg     Config
	events  []mutation.Event
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]mutation.Event)
}

// New creates a Batcher that passes each flushed batch to flushFn. The slice
// handed to flushFn is owned by the callee.
func New(cfg Config, flushFn func([]mutation.Event)) *Batcher {
	cfg.defaults()
	return &Batcher{cfg: cfg, flushFn: flushFn}
}

// Add buffers events. It returns true if the buffer filled and was flushed.
func (b *Batcher) Add(events ...mutation.Event) bool {
	if len(events) == 0 {
		return false
	}
	b.events = append(b.events, events...)

	if len(b.events) >= b.cfg.MaxEvents {
		b.Flush()
		return true
	}

	// The window is not extended by later events so a busy screen still
	// ships every Window.
	if b.timer == nil {
		b.timer = time.NewTimer(b.cfg.Window)
		b.timerCh = b.timer.C
	}
	return false
}

// C fires when the batching window expires. It is nil while the buffer is
// empty.
func (b *Batcher) C() <-chan time.Time {
	return b.timerCh
}

// Len returns the number of buffered events.
func (b *Batcher) Len() int { return len(b.events) }

// Flush emits the buffered events, if any, and resets the window.
func (b *Batcher) Flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerCh = nil
	}
	if len(b.events) == 0 {
		return
	}
	out := b.events
	b.events = nil
	b.flushFn(out)
}
