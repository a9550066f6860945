package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/viewreplay/dbopen"
	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/uploadq"
)

func testBatch(seq uint64) mutation.Batch {
	return mutation.Batch{
		ID:        "batch-" + string(rune('a'+seq)),
		SessionID: "s1",
		Seq:       seq,
		Events: []mutation.Event{{
			Type:      mutation.EventMeta,
			Data:      &mutation.MetaData{Href: "app://root", Width: 10, Height: 20},
			Timestamp: 1,
		}},
		Timestamp: 2,
	}
}

type failingSink struct {
	err   error
	sends int
}

func (f *failingSink) Send(context.Context, mutation.Batch) error { f.sends++; return f.err }
func (f *failingSink) Close() error { return f.err }

func TestRouter_FanOutFirstError(t *testing.T) {
	first := &failingSink{err: errors.New("first")}
	second := &failingSink{err: errors.New("second")}
	var got []uint64
	cb := NewCallback(func(_ context.Context, b mutation.Batch) error {
		got = append(got, b.Seq)
		return nil
	})

	r := NewRouter(nil, first, cb, second)
	err := r.Send(context.Background(), testBatch(1))
	if err == nil || err.Error() != "first" {
		t.Fatalf("Send: got %v, want first", err)
	}
	if first.sends != 1 || second.sends != 1 || len(got) != 1 {
		t.Fatalf("not every sink was called: %d %d %v", first.sends, second.sends, got)
	}

	cerr := r.Close()
	if cerr == nil || !strings.Contains(cerr.Error(), "first") || !strings.Contains(cerr.Error(), "second") {
		t.Fatalf("Close: got %v", cerr)
	}
}

func TestStdout_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	s.Send(context.Background(), testBatch(1))
	s.Send(context.Background(), testBatch(2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	b, err := mutation.UnmarshalBatch([]byte(lines[1]))
	if err != nil {
		t.Fatal(err)
	}
	if b.Seq != 2 {
		t.Fatalf("Seq = %d", b.Seq)
	}
}

func TestCallback_NilDiscards(t *testing.T) {
	if err := NewCallback(nil).Send(context.Background(), testBatch(1)); err != nil {
		t.Fatal(err)
	}
}

func TestWebhook_GzipDelivery(t *testing.T) {
	var received mutation.Batch
	var encoding, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		apiKey = r.Header.Get("X-Api-Key")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip reader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(zr).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookGzip(), WithWebhookHeader("X-Api-Key", "k"))
	if err := wh.Send(context.Background(), testBatch(3)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if encoding != "gzip" || apiKey != "k" {
		t.Fatalf("headers: encoding %q key %q", encoding, apiKey)
	}
	if received.Seq != 3 || received.SessionID != "s1" || len(received.Events) != 1 {
		t.Fatalf("received %+v", received)
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookRetries(3), WithWebhookBackoff(time.Millisecond))
	if err := wh.Send(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookRetries(3), WithWebhookBackoff(time.Millisecond))
	if err := wh.Send(context.Background(), testBatch(1)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhook_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := NewBreaker(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Hour))
	wh := NewWebhook(srv.URL, WithWebhookRetries(0), WithWebhookBreaker(br))
	ctx := context.Background()

	wh.Send(ctx, testBatch(1))
	wh.Send(ctx, testBatch(2))
	err := wh.Send(ctx, testBatch(3))

	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Endpoint != srv.URL {
		t.Fatalf("third send: got %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	br := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerClock(func() time.Time { return now }),
	)

	br.Failure()
	if br.State() != BreakerOpen || br.Allow() {
		t.Fatalf("state %v after threshold", br.State())
	}

	now = now.Add(time.Minute)
	if br.State() != BreakerHalfOpen || !br.Allow() {
		t.Fatalf("state %v after reset timeout", br.State())
	}

	br.Failure()
	if br.State() != BreakerOpen {
		t.Fatalf("half-open failure: state %v", br.State())
	}

	now = now.Add(time.Minute)
	br.Allow()
	br.Success()
	if br.State() != BreakerClosed {
		t.Fatalf("half-open success: state %v", br.State())
	}
}

func TestQueue_ForwardDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var seqs []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b, err := mutation.UnmarshalBatch(data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		seqs = append(seqs, b.Seq)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx := context.Background()
	q := uploadq.New(dbopen.OpenMemory(t), uploadq.Options{})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	qs := NewQueue(q)
	for seq := uint64(0); seq < 3; seq++ {
		if err := qs.Send(ctx, testBatch(seq)); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}

	n := q.Drain(ctx, Forward(NewWebhook(srv.URL, WithWebhookRetries(0))))
	if n != 3 {
		t.Fatalf("drained %d, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 3 || seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		t.Fatalf("delivery order %v", seqs)
	}
}
