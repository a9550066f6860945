// Package recorder turns periodic view-tree captures into replay batches.
//
// Each tick captures a snapshot, encodes it either as a full snapshot (first
// frame, root screen change, canvas resize, forced) or as the diff against
// the previous snapshot, and buffers the resulting events. Buffered events
// are sealed into batches and fanned out to sinks (stdout, webhook, durable
// upload queue, in-process callback).
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/viewreplay/idgen"
	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/recorder/internal/batcher"
	"github.com/hazyhaar/viewreplay/recorder/internal/sink"
	"github.com/hazyhaar/viewreplay/treediff"
	"github.com/hazyhaar/viewreplay/viewtree"
)

var (
	// ErrBusy is returned by Tick while another tick is in progress.
	ErrBusy = errors.New("recorder: tick already in progress")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("recorder: stopped")
	// ErrRunning is returned by Start on a running recorder.
	ErrRunning = errors.New("recorder: already running")
)

// Capturer produces the current view-tree snapshot. Implementations walk the
// platform UI (typically through a viewtree.Builder).
type Capturer interface {
	Capture(ctx context.Context) (*viewtree.Snapshot, error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func(ctx context.Context) (*viewtree.Snapshot, error)

func (f CaptureFunc) Capture(ctx context.Context) (*viewtree.Snapshot, error) { return f(ctx) }

// State is the frame pipeline state.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options carries optional collaborators.
type Options struct {
	Logger *slog.Logger
	// Metrics defaults to unregistered collectors.
	Metrics *Metrics
	// Now is the clock used for batch timestamps and snapshots without a
	// capture time. Default: time.Now.
	Now func() time.Time
	// NewID generates batch ids. Default: idgen.Default (UUIDv7).
	NewID idgen.Generator
}

// Recorder drives the capture → diff → encode → batch pipeline.
type Recorder struct {
	cfg       *Config
	capturer  Capturer
	encoder   *mutation.Encoder
	router    *sink.Router
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     idgen.Generator
	sessionID string

	state     atomic.Int32
	forceFull atomic.Bool

	// Confined to the tick holding the busy state.
	prev   *viewtree.Snapshot
	frames int

	mu     sync.Mutex // guards batch, seq, outbox, run state
	batch  *batcher.Batcher
	seq    uint64
	outbox []mutation.Batch
	cancel context.CancelFunc
	done   chan struct{}
	sendMu sync.Mutex // serialises deliveries so batches leave in seq order
}

// New creates a Recorder. A nil cfg means DefaultConfig without sinks; the
// session id is cfg.SessionID or a fresh UUIDv7.
func New(cfg *Config, capturer Capturer, opts Options, sinks ...Sink) *Recorder {
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Sinks = nil
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Default
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = opts.NewID()
	}

	r := &Recorder{
		cfg:       cfg,
		capturer:  capturer,
		encoder:   mutation.NewEncoder(mutation.WithHrefPrefix(cfg.Capture.HrefPrefix)),
		router:    sink.NewRouter(opts.Logger, sinks...),
		logger:    opts.Logger.With("session", sessionID),
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
		sessionID: sessionID,
	}
	r.batch = batcher.New(batcher.Config{
		Window:    cfg.Batch.Window,
		MaxEvents: cfg.Batch.MaxEvents,
	}, r.seal)
	return r
}

// SessionID returns the replay session id stamped on every batch.
func (r *Recorder) SessionID() string { return r.sessionID }

// State returns the current pipeline state.
func (r *Recorder) State() State { return State(r.state.Load()) }

// ForceFullSnapshot makes the next frame a full snapshot.
func (r *Recorder) ForceFullSnapshot() { r.forceFull.Store(true) }

// Tick captures and encodes one frame synchronously. It refuses re-entry
// with ErrBusy. A failed capture skips the frame and keeps the previous
// snapshot as the diff base.
func (r *Recorder) Tick(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateCapturing)) {
		if r.State() == StateStopped {
			return ErrStopped
		}
		r.metrics.FramesSkippedTotal.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	defer r.state.CompareAndSwap(int32(StateCapturing), int32(StateIdle))

	snap, err := r.capturer.Capture(ctx)
	if err != nil {
		r.metrics.FramesSkippedTotal.WithLabelValues("capture_error").Inc()
		r.logger.Warn("recorder: frame skipped", "reason", "capture_error", "error", err)
		return fmt.Errorf("recorder: capture: %w", err)
	}
	if snap == nil {
		r.metrics.FramesSkippedTotal.WithLabelValues("no_snapshot").Inc()
		r.logger.Debug("recorder: frame skipped", "reason", "no_snapshot")
		return nil
	}

	events := r.encode(snap)

	r.mu.Lock()
	r.batch.Add(events...)
	r.mu.Unlock()

	return r.deliver(ctx)
}

// encode renders snap relative to the previous frame and makes it the new
// diff base.
func (r *Recorder) encode(snap *viewtree.Snapshot) []mutation.Event {
	at := snap.CapturedAt
	if at.IsZero() {
		at = r.now()
	}

	var events []mutation.Event
	if reason := r.fullReason(snap); reason != "" {
		events = r.encoder.EncodeFullSnapshot(snap, at)
		r.metrics.FramesTotal.WithLabelValues("full").Inc()
		r.logger.Debug("recorder: full snapshot", "reason", reason, "nodes", snap.Len())
	} else {
		start := time.Now()
		ops, stats := treediff.DiffWithStats(r.prev.Nodes(), snap.Nodes())
		r.metrics.DiffDuration.Observe(time.Since(start).Seconds())
		r.metrics.countOps(ops)
		if stats.KindChanges > 0 {
			r.logger.Debug("recorder: kind changed at stable identity", "count", stats.KindChanges)
		}

		events = r.encoder.Encode(ops, at)
		kind := "incremental"
		if len(events) == 0 {
			kind = "unchanged"
		}
		r.metrics.FramesTotal.WithLabelValues(kind).Inc()
	}

	r.prev = snap
	r.frames++
	return events
}

func (r *Recorder) fullReason(snap *viewtree.Snapshot) string {
	forced := r.forceFull.Swap(false)
	switch {
	case r.prev == nil:
		return "first_frame"
	case forced:
		return "forced"
	case snap.RootControllerID != r.prev.RootControllerID:
		return "root_changed"
	case snap.CanvasSize != r.prev.CanvasSize:
		return "canvas_resized"
	case r.cfg.Capture.FullSnapshotEvery > 0 && r.frames%r.cfg.Capture.FullSnapshotEvery == 0:
		return "periodic"
	}
	return ""
}

// seal is the batcher flush callback; it runs with mu held.
func (r *Recorder) seal(events []mutation.Event) {
	r.seq++
	r.outbox = append(r.outbox, mutation.Batch{
		ID:        r.newID(),
		SessionID: r.sessionID,
		Seq:       r.seq,
		Events:    events,
		Timestamp: r.now().UnixMilli(),
	})
}

// Flush seals buffered events into a batch and delivers every pending batch.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	r.batch.Flush()
	r.mu.Unlock()
	return r.deliver(ctx)
}

func (r *Recorder) deliver(ctx context.Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	out := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	var firstErr error
	for _, b := range out {
		if err := r.router.Send(ctx, b); err != nil {
			r.metrics.BatchesSentTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("recorder: deliver batch %d: %w", b.Seq, err)
			}
			continue
		}
		r.metrics.BatchesSentTotal.WithLabelValues("ok").Inc()
	}
	return firstErr
}

// Start captures a first frame and keeps ticking every Capture.Interval in a
// background goroutine until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateStopped {
		return ErrStopped
	}
	if r.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info("recorder: started", "interval", r.cfg.Capture.Interval, "sinks", r.router.Len())
	return nil
}

func (r *Recorder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.Capture.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		r.mu.Lock()
		window := r.batch.C()
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		case <-window:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("recorder: flush failed", "error", err)
			}
		}
	}
}

func (r *Recorder) tick(ctx context.Context) {
	if err := r.Tick(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
		r.logger.Debug("recorder: tick", "error", err)
	}
}

// Stop halts the ticker, flushes buffered events and closes the sinks. A
// stopped recorder cannot be restarted.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Wait out a tick driven by another caller.
	for !r.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		if r.State() == StateStopped {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	err := r.Flush(ctx)
	if cerr := r.router.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("recorder: close sinks: %w", cerr)
	}
	r.logger.Info("recorder: stopped", "frames", r.frames, "batches", r.seq)
	return err
}
