package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/viewreplay/mutation"
)

// Webhook POSTs batches as JSON to a collector URL, optionally gzipped,
// with retry, exponential backoff and a circuit breaker.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	gzip       bool
	breaker    *Breaker
	headers    map[string]string
	logger     *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay; it doubles per retry. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookGzip compresses request bodies.
func WithWebhookGzip() WebhookOption {
	return func(w *Webhook) { w.gzip = true }
}

// WithWebhookBreaker replaces the default circuit breaker.
func WithWebhookBreaker(b *Breaker) WebhookOption {
	return func(w *Webhook) { w.breaker = b }
}

// WithWebhookHeader adds a request header (e.g. an API key).
func WithWebhookHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.headers[key] = value }
}

// WithWebhookClient sets the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		headers:    make(map[string]string),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.breaker == nil {
		w.breaker = NewBreaker()
	}
	return w
}

func (w *Webhook) Send(ctx context.Context, batch mutation.Batch) error {
	body, err := mutation.MarshalBatch(&batch)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return w.Post(ctx, body)
}

// Post delivers an already serialised batch.
func (w *Webhook) Post(ctx context.Context, body []byte) error {
	if !w.breaker.Allow() {
		return &ErrCircuitOpen{Endpoint: w.url}
	}

	encoding := ""
	if w.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("webhook: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("webhook: gzip: %w", err)
		}
		body, encoding = buf.Bytes(), "gzip"
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(w.backoff << uint(attempt-1))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}

		err := w.do(ctx, body, encoding)
		if err == nil {
			w.breaker.Success()
			return nil
		}
		lastErr = err
		w.logger.Warn("webhook: delivery failed", "attempt", attempt+1, "url", w.url, "error", err)
		if !retryable(err) {
			break
		}
	}
	w.breaker.Failure()
	return fmt.Errorf("webhook: delivery failed: %w", lastErr)
}

func (w *Webhook) do(ctx context.Context, body []byte, encoding string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

// Breaker exposes the sink's circuit breaker.
func (w *Webhook) Breaker() *Breaker { return w.breaker }

func (w *Webhook) Close() error { return nil }

// permanentError marks failures that a retry cannot fix (client errors).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var pe *permanentError
	return !errors.As(err, &pe)
}
