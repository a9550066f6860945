// Package sink defines delivery backends for replay batches.
package sink

import (
	"context"

	"github.com/hazyhaar/viewreplay/mutation"
)

// Sink delivers flushed batches to a backend (stdout, webhook, durable
// queue, in-process callback).
type Sink interface {
	Send(ctx context.Context, batch mutation.Batch) error
	Close() error
}
