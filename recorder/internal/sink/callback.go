package sink

import (
	"context"

	"github.com/hazyhaar/viewreplay/mutation"
)

// BatchFunc receives each batch in process, without serialisation.
type BatchFunc func(ctx context.Context, batch mutation.Batch) error

// Callback delivers batches via a Go function call.
type Callback struct {
	fn BatchFunc
}

// NewCallback creates a Callback sink. A nil fn discards batches.
func NewCallback(fn BatchFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, batch mutation.Batch) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, batch)
}

func (c *Callback) Close() error { return nil }
