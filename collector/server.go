// Package collector is the reference replay collector: it receives batches
// over HTTP, stores them in SQLite and serves each session's events back in
// order for a replay player.
package collector

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles the collector HTTP API.
type Server struct {
	store     *Store
	logger    *slog.Logger
	validate  *validator.Validate
	maxBody   int64
	rateLimit int
	window    time.Duration
	registry  *prometheus.Registry
	received  *prometheus.CounterVec
	events    prometheus.Counter
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxBody caps request bodies, after gzip inflation. Default: 8 MiB.
func WithMaxBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithRateLimit allows n requests per client per window. 0 disables.
func WithRateLimit(n int, window time.Duration) Option {
	return func(s *Server) { s.rateLimit, s.window = n, window }
}

// NewServer creates a collector over store.
func NewServer(store *Store, opts ...Option) *Server {
	s := &Server{
		store:    store,
		logger:   slog.Default(),
		validate: validator.New(),
		maxBody:  8 << 20,
		window:   time.Minute,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	s.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewreplay",
		Subsystem: "collector",
		Name:      "batches_received_total",
		Help:      "Batches received by result.",
	}, []string{"result"})
	s.events = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewreplay",
		Subsystem: "collector",
		Name:      "events_received_total",
		Help:      "Events stored.",
	})
	s.registry.MustRegister(s.received, s.events)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(noSniff)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1/replay", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(newRateLimiter(s.rateLimit, s.window).middleware)
		}
		r.With(maxBody(s.maxBody)).Post("/batches", s.ingest)
		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/events", s.sessionEvents)
		})
	})
	return r
}

type batchRequest struct {
	ID        string            `json:"id" validate:"required,max=128"`
	SessionID string            `json:"session_id" validate:"required,max=128"`
	Seq       uint64            `json:"seq"`
	Events    []json.RawMessage `json:"events" validate:"required,min=1"`
	Timestamp int64             `json:"timestamp" validate:"gte=0"`
}

// eventHeader is the part of an event every replay player needs.
type eventHeader struct {
	Type      *int  `json:"type" validate:"required,gte=0,lte=6"`
	Timestamp int64 `json:"timestamp" validate:"gt=0"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context())

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			s.reject(w, http.StatusBadRequest, fmt.Errorf("gzip: %w", err))
			return
		}
		defer zr.Close()
		body = io.LimitReader(zr, s.maxBody+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.reject(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(data)) > s.maxBody {
		s.reject(w, http.StatusRequestEntityTooLarge, errors.New("inflated body too large"))
		return
	}

	var req batchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reject(w, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.reject(w, http.StatusUnprocessableEntity, err)
		return
	}
	for i, raw := range req.Events {
		var h eventHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			s.reject(w, http.StatusUnprocessableEntity, fmt.Errorf("events[%d]: %w", i, err))
			return
		}
		if err := s.validate.Struct(&h); err != nil {
			s.reject(w, http.StatusUnprocessableEntity, fmt.Errorf("events[%d]: %w", i, err))
			return
		}
	}

	res, err := s.store.SaveBatch(r.Context(), &Stored{
		ID:        req.ID,
		SessionID: req.SessionID,
		Seq:       req.Seq,
		Events:    req.Events,
		Timestamp: req.Timestamp,
	}, s.now())
	if err != nil {
		log.Error("collector: save failed", "batch", req.ID, "error", err)
		s.received.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch {
	case res.Duplicate:
		s.received.WithLabelValues("duplicate").Inc()
	default:
		s.received.WithLabelValues("stored").Inc()
		s.events.Add(float64(len(req.Events)))
	}
	if res.Gap {
		log.Warn("collector: sequence gap", "session", req.SessionID, "seq", req.Seq)
	}
	log.Debug("collector: batch stored", "batch", req.ID, "session", req.SessionID, "seq", req.Seq, "events", len(req.Events))
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) reject(w http.ResponseWriter, code int, err error) {
	s.received.WithLabelValues("rejected").Inc()
	writeError(w, code, err)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.store.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("after_seq: %w", err))
			return
		}
		after = n
	}
	events, err := s.store.Events(r.Context(), chi.URLParam(r, "sessionID"), after)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
