package sink

import (
	"context"
	"fmt"

	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/uploadq"
)

// Queue persists batches to the durable upload queue. A separate consumer
// (see Forward) delivers them in order.
type Queue struct {
	q *uploadq.Queue
}

// NewQueue creates a Queue sink.
func NewQueue(q *uploadq.Queue) *Queue {
	return &Queue{q: q}
}

func (s *Queue) Send(ctx context.Context, batch mutation.Batch) error {
	data, err := mutation.MarshalBatch(&batch)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return s.q.Enqueue(ctx, batch.ID, data)
}

func (s *Queue) Close() error { return nil }

// Poster delivers a serialised batch; *Webhook implements it.
type Poster interface {
	Post(ctx context.Context, body []byte) error
}

// Forward returns an upload handler that posts each queued payload as is.
func Forward(p Poster) uploadq.Handler {
	return func(ctx context.Context, job *uploadq.Job) error {
		return p.Post(ctx, job.Payload)
	}
}
