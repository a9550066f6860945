package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/viewreplay/dbopen"
	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/recorder/internal/sink"
	"github.com/hazyhaar/viewreplay/uploadq"
)

// Sink is the delivery interface for flushed batches.
type Sink = sink.Sink

// BatchFunc is called for each batch by a callback sink.
type BatchFunc = sink.BatchFunc

// ErrCircuitOpen is returned by webhook sinks whose breaker is open.
type ErrCircuitOpen = sink.ErrCircuitOpen

// NewStdoutSink creates a JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewCallbackSink creates an in-process sink.
func NewCallbackSink(fn func(ctx context.Context, batch mutation.Batch) error) Sink {
	return sink.NewCallback(fn)
}

// NewWebhookSink creates a webhook POST sink with retry and a circuit breaker.
func NewWebhookSink(url string, gzip bool, retries int, logger *slog.Logger) Sink {
	return newWebhook(url, gzip, retries, logger)
}

func newWebhook(url string, gzip bool, retries int, logger *slog.Logger) *sink.Webhook {
	opts := []sink.WebhookOption{sink.WithWebhookRetries(retries), sink.WithWebhookLogger(logger)}
	if gzip {
		opts = append(opts, sink.WithWebhookGzip())
	}
	return sink.NewWebhook(url, opts...)
}

// NewQueueSink creates a sink that persists batches to q.
func NewQueueSink(q *uploadq.Queue) Sink {
	return sink.NewQueue(q)
}

// Uploader drains a durable upload queue towards a collector.
type Uploader struct {
	Queue   *uploadq.Queue
	handler uploadq.Handler
	closeDB func() error
}

// Run delivers queued batches until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	return u.Queue.Run(ctx, u.handler)
}

// Drain delivers the jobs that are ready now and returns how many were
// acknowledged. It stops at the first failed delivery.
func (u *Uploader) Drain(ctx context.Context) int {
	return u.Queue.Drain(ctx, u.handler)
}

// Close releases the queue database.
func (u *Uploader) Close() error {
	if u.closeDB == nil {
		return nil
	}
	return u.closeDB()
}

// BuildSinks creates the sinks named in cfg. Queue sinks share one upload
// queue; its Uploader is returned (nil when no queue sink is configured)
// and must be Run by the caller.
func BuildSinks(ctx context.Context, cfg *Config, metrics *Metrics, logger *slog.Logger) ([]Sink, *Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		sinks    []Sink
		uploader *Uploader
	)
	fail := func(err error) ([]Sink, *Uploader, error) {
		if uploader != nil {
			uploader.Close()
		}
		return nil, nil, err
	}
	for i, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, sink.NewStdout(nil))
		case "webhook":
			sinks = append(sinks, newWebhook(sc.URL, sc.Gzip, sc.Retries, logger))
		case "queue":
			if uploader != nil {
				return fail(fmt.Errorf("recorder: sinks[%d]: only one queue sink is supported", i))
			}
			u, err := openUploader(ctx, cfg.Upload, sc, metrics, logger)
			if err != nil {
				return fail(err)
			}
			uploader = u
			sinks = append(sinks, sink.NewQueue(u.Queue))
		default:
			return fail(fmt.Errorf("recorder: sinks[%d]: unknown type %q", i, sc.Type))
		}
	}
	return sinks, uploader, nil
}

func openUploader(ctx context.Context, uc UploadConfig, sc SinkConfig, metrics *Metrics, logger *slog.Logger) (*Uploader, error) {
	db, err := dbopen.Open(uc.DB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("recorder: upload queue: %w", err)
	}
	opts := uploadq.Options{
		Visibility:   uc.Visibility,
		PollInterval: uc.PollInterval,
		Backoff:      uc.Backoff,
		MaxAttempts:  uc.MaxAttempts,
		Logger:       logger,
	}
	if metrics != nil {
		opts.OnDrop = metrics.UploadDropped
	}
	q := uploadq.New(db, opts)
	if err := q.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	// The queue owns retries; the webhook makes a single attempt per claim.
	wh := newWebhook(sc.URL, sc.Gzip, 0, logger)
	return &Uploader{Queue: q, handler: sink.Forward(wh), closeDB: db.Close}, nil
}
