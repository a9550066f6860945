package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/viewreplay/mutation"
	"github.com/hazyhaar/viewreplay/recorder"
	"github.com/hazyhaar/viewreplay/viewtree"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	srv := httptest.NewServer(NewServer(store, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/replay/batches", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func batchJSON(id, session string, seq int) string {
	return `{"id":"` + id + `","session_id":"` + session + `","seq":` + itoa(seq) +
		`,"timestamp":1700000000000,"events":[{"type":4,"data":{"href":"app://root","width":1,"height":1},"timestamp":1700000000000}]}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("X-Request-ID"), "req_") || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("headers %v", resp.Header)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "client-42")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "client-42" {
		t.Fatalf("request id not propagated: %q", got)
	}
}

func TestRecorderToCollector(t *testing.T) {
	srv, _ := newTestServer(t)

	root := func(text string) *viewtree.Snapshot {
		return viewtree.NewSnapshot(time.UnixMilli(1_700_000_000_000), &viewtree.Container{
			Base: viewtree.Base{ID: 1, Alpha: 1, Children: []viewtree.Node{
				&viewtree.Label{
					Base:        viewtree.Base{ID: 2, Alpha: 1},
					TextContent: viewtree.TextContent{TextNodeID: 3, Text: text},
				},
			}},
		}, viewtree.Size{Width: 390, Height: 844})
	}
	frames := []*viewtree.Snapshot{root("hello"), root("world")}
	capture := recorder.CaptureFunc(func(context.Context) (*viewtree.Snapshot, error) {
		s := frames[0]
		if len(frames) > 1 {
			frames = frames[1:]
		}
		return s, nil
	})

	cfg := recorder.DefaultConfig()
	cfg.SessionID = "e2e"
	cfg.Sinks = nil
	rec := recorder.New(cfg, capture, recorder.Options{},
		recorder.NewWebhookSink(srv.URL+"/v1/replay/batches", true, 0, nil))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := rec.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if err := rec.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	resp, err := http.Get(srv.URL + "/v1/replay/sessions/e2e/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	events, err := mutation.UnmarshalEvents(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want meta+full+incremental", len(events))
	}
	m, ok := events[2].Data.(*mutation.MutationData)
	if !ok || len(m.Texts) != 1 || m.Texts[0].Value != "world" || m.Texts[0].ID != 3 {
		t.Fatalf("incremental event %+v", events[2].Data)
	}
}

func TestIngest_DuplicateAndGap(t *testing.T) {
	srv, store := newTestServer(t)

	var res SaveResult
	resp := post(t, srv.URL, batchJSON("b1", "s", 1))
	json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode != http.StatusAccepted || res.Duplicate || res.Gap {
		t.Fatalf("first: %d %+v", resp.StatusCode, res)
	}

	resp = post(t, srv.URL, batchJSON("b1", "s", 1))
	res = SaveResult{}
	json.NewDecoder(resp.Body).Decode(&res)
	if !res.Duplicate {
		t.Fatalf("resend not flagged duplicate: %+v", res)
	}

	resp = post(t, srv.URL, batchJSON("b3", "s", 3))
	res = SaveResult{}
	json.NewDecoder(resp.Body).Decode(&res)
	if !res.Gap {
		t.Fatalf("gap not detected: %+v", res)
	}

	sess, err := store.Session(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Batches != 2 || sess.Events != 2 || sess.LastSeq != 3 || sess.Gaps != 1 {
		t.Fatalf("session %+v", sess)
	}
}

func TestIngest_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, WithMaxBody(512))

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing session", `{"id":"x","seq":1,"events":[{"type":4,"timestamp":1}]}`, http.StatusUnprocessableEntity},
		{"no events", `{"id":"x","session_id":"s","seq":1,"events":[]}`, http.StatusUnprocessableEntity},
		{"event without type", `{"id":"x","session_id":"s","seq":1,"events":[{"timestamp":1}]}`, http.StatusUnprocessableEntity},
		{"too large", `{"id":"` + strings.Repeat("x", 600) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		resp := post(t, srv.URL, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestIngest_BadGzip(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/replay/batches", bytes.NewReader([]byte("not gzip")))
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSessions_ListGetDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv.URL, batchJSON("a1", "alpha", 1))
	post(t, srv.URL, batchJSON("b1", "beta", 1))

	resp, err := http.Get(srv.URL + "/v1/replay/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list []Session
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 2 {
		t.Fatalf("sessions %+v", list)
	}

	resp, _ = http.Get(srv.URL + "/v1/replay/sessions/missing/events")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/replay/sessions/alpha", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/v1/replay/sessions/alpha")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session: status %d", resp.StatusCode)
	}
}

func TestEvents_AfterSeq(t *testing.T) {
	_, store := newTestServer(t)
	ctx := context.Background()
	for seq := 1; seq <= 3; seq++ {
		_, err := store.SaveBatch(ctx, &Stored{
			ID:        "b" + itoa(seq),
			SessionID: "s",
			Seq:       uint64(seq),
			Events:    []json.RawMessage{json.RawMessage(`{"type":3,"data":{},"timestamp":` + itoa(seq) + `}`)},
		}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
	}
	events, err := store.Events(ctx, "s", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || !strings.Contains(string(events[0]), `"timestamp":2`) {
		t.Fatalf("events %s", events)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, WithRateLimit(2, time.Hour))
	codes := make([]int, 3)
	for i := range codes {
		resp, err := http.Get(srv.URL + "/v1/replay/sessions")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes %v", codes)
	}

	// Health stays outside the limiter.
	resp, _ := http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv.URL, batchJSON("m1", "s", 1))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `viewreplay_collector_batches_received_total{result="stored"} 1`) {
		t.Fatalf("metrics:\n%s", body)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Fatalf("got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Fatalf("got %q", got)
	}
}
