// Command viewreplay runs the replay collector and offers offline tools over
// view-tree snapshot fixtures.
//
// Usage:
//
//	viewreplay -serve :8090 -db replay.db                   # run the collector
//	viewreplay -diff old.json new.json                      # print the mutation events between two snapshots
//	viewreplay -record viewreplay.yaml f1.json f2.json ...  # feed fixtures through a recorder and its sinks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/viewreplay/collector"
	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/recorder"
	"github.com/hazyhaar/viewreplay/treediff"
	"github.com/hazyhaar/viewreplay/viewtree"
)

func main() {
	serveAddr := flag.String("serve", "", "run the collector on this address")
	dbPath := flag.String("db", "replay.db", "collector database path")
	rateLimit := flag.Int("rate-limit", 0, "collector requests per client per minute (0 = unlimited)")
	diff := flag.Bool("diff", false, "diff two snapshot fixtures given as arguments")
	recordConfig := flag.String("record", "", "recorder config file; fixtures given as arguments")
	hrefPrefix := flag.String("href-prefix", "app://", "href prefix for -diff meta events")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *serveAddr != "":
		err = runServe(ctx, logger, *serveAddr, *dbPath, *rateLimit)
	case *diff:
		if flag.NArg() != 2 {
			usage()
		}
		err = runDiff(os.Stdout, flag.Arg(0), flag.Arg(1), *hrefPrefix)
	case *recordConfig != "":
		if flag.NArg() == 0 {
			usage()
		}
		err = runRecord(ctx, logger, *recordConfig, flag.Args())
	default:
		usage()
	}
	if err != nil {
		logger.Error("viewreplay: fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: viewreplay -serve <addr> [-db <path>] | -diff <old.json> <new.json> | -record <config.yaml> <fixture.json>...")
	os.Exit(2)
}

func runServe(ctx context.Context, logger *slog.Logger, addr, dbPath string, rateLimit int) error {
	store, err := collector.OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	opts := []collector.Option{collector.WithLogger(logger)}
	if rateLimit > 0 {
		opts = append(opts, collector.WithRateLimit(rateLimit, time.Minute))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           collector.NewServer(store, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("viewreplay: collector listening", "addr", addr, "db", dbPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("viewreplay: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func loadSnapshot(path string) (*viewtree.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := viewtree.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// runDiff writes the events that take oldPath's tree to newPath's. A change
// of root screen or canvas size yields a full snapshot, as a recorder would.
func runDiff(w io.Writer, oldPath, newPath, hrefPrefix string) error {
	old, err := loadSnapshot(oldPath)
	if err != nil {
		return err
	}
	cur, err := loadSnapshot(newPath)
	if err != nil {
		return err
	}

	ts := cur.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	enc := mutation.NewEncoder(mutation.WithHrefPrefix(hrefPrefix))

	var events []mutation.Event
	if old.RootControllerID != cur.RootControllerID || old.CanvasSize != cur.CanvasSize {
		events = enc.EncodeFullSnapshot(cur, ts)
	} else {
		events = enc.Encode(treediff.Diff(old.Nodes(), cur.Nodes()), ts)
	}

	data, err := mutation.MarshalEvents(events)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// runRecord replays fixture files as consecutive frames through a recorder
// configured from cfgPath, then flushes its sinks and drains the upload
// queue once.
func runRecord(ctx context.Context, logger *slog.Logger, cfgPath string, fixtures []string) error {
	cfg, err := recorder.LoadConfigFile(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics := recorder.NewMetrics(nil)
	sinks, uploader, err := recorder.BuildSinks(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	if uploader != nil {
		defer uploader.Close()
	}

	next := 0
	capture := recorder.CaptureFunc(func(context.Context) (*viewtree.Snapshot, error) {
		path := fixtures[next]
		next++
		return loadSnapshot(path)
	})

	rec := recorder.New(cfg, capture, recorder.Options{Logger: logger, Metrics: metrics}, sinks...)
	for range fixtures {
		if err := rec.Tick(ctx); err != nil {
			logger.Warn("viewreplay: frame skipped", "error", err)
		}
	}
	if err := rec.Stop(ctx); err != nil {
		return err
	}

	if uploader != nil {
		sent := uploader.Drain(ctx)
		pending, _ := uploader.Queue.Len(ctx)
		logger.Info("viewreplay: upload queue drained", "sent", sent, "pending", pending)
	}
	logger.Info("viewreplay: recorded", "session", rec.SessionID(), "frames", len(fixtures))
	return nil
}
