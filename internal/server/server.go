// Package server implements the HTTP server that exposes the tutor via a
// REST/SSE API: streaming answers, background ingestion, and exchange
// history. The server is started by the `studiora serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiora/studiora-go/internal/ingestion"
	"github.com/studiora/studiora-go/internal/jobs"
	"github.com/studiora/studiora-go/internal/logging"
	"github.com/studiora/studiora-go/internal/store"
	"github.com/studiora/studiora-go/internal/tutor"
)

// defaultExchangeLimit caps GET /api/exchanges responses when the client
// does not pass an explicit limit.
const defaultExchangeLimit = 50

// New constructs a Server from the tutor, the ingestion pipeline, the
// exchange store, and the config.
func New(tut *tutor.Tutor, pipe *ingestion.Pipeline, st store.Store, cfg *Config) (*Server, error) {
	if tut == nil {
		return nil, fmt.Errorf("server: tutor must not be nil")
	}
	if pipe == nil {
		return nil, fmt.Errorf("server: ingestion pipeline must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("server: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 5 * time.Minute
	}
	if cfg.IngestWorkers == 0 {
		cfg.IngestWorkers = 2
	}
	if cfg.IngestQueue == 0 {
		cfg.IngestQueue = 16
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	if cfg.APIKey == "" {
		log.Warn("server: API key not set, authentication disabled")
	}

	reg := cfg.MetricsRegistry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := cfg.MetricsGatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		answerer:  tut,
		ingestor:  pipe,
		jobs:      jobs.New(cfg.IngestWorkers, cfg.IngestQueue),
		exchanges: st,
		cfg:       cfg,
		log:       log,
		pingers:   cfg.Pingers,
		metrics:   newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	// Protected routes get auth and per-IP rate limiting; health, readiness,
	// and metrics stay open so probes and scrapers keep working.
	protected := func(h http.Handler) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ask", protected(http.HandlerFunc(s.handleAsk)))
	mux.Handle("POST /api/ingest", protected(http.HandlerFunc(s.handleIngest)))
	mux.Handle("GET /api/jobs/{id}", protected(http.HandlerFunc(s.handleJob)))
	mux.Handle("GET /api/exchanges", protected(http.HandlerFunc(s.handleExchanges)))
	mux.Handle("DELETE /api/exchanges/{id}", protected(http.HandlerFunc(s.handleExchangeDelete)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, s.httpMetrics(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("studiora server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stop()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.stop()
		if err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// stop releases background resources: the rate limiter's eviction goroutine
// and the ingestion dispatcher's workers.
func (s *Server) stop() {
	if s.stopRL != nil {
		s.stopRL()
	}
	if s.jobs != nil {
		s.jobs.Close()
	}
}

// handleAsk handles POST /api/ask requests. It streams the tutor's answer
// using Server-Sent Events (SSE) so the client can render tokens as they
// arrive, then emits a terminal "done" event carrying the outcome flags
// and source citations as JSON.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" {
		http.Error(w, "scopeId is required", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// sseWriter wraps the ResponseWriter to emit SSE-formatted data events.
	sw := &sseWriter{w: w, flusher: flusher}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AskTimeout)
	defer cancel()
	ctx = logging.WithScope(ctx, req.ScopeID)

	s.metrics.askActiveStreams.Inc()
	defer s.metrics.askActiveStreams.Dec()
	start := time.Now()

	treq := tutor.Request{ScopeID: req.ScopeID, Question: req.Question}
	for _, turn := range req.History {
		treq.History = append(treq.History, tutor.Turn{Question: turn.Question, Answer: turn.Answer})
	}

	out, err := s.answerer.Ask(ctx, treq, sw)
	if err != nil {
		outcome := "error"
		if errors.Is(err, tutor.ErrGenerationTimeout) {
			outcome = "timeout"
		}
		s.observeAsk(outcome, start)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}

	if out.Degraded {
		fmt.Fprintf(w, "event: degraded\ndata: true\n\n")
	}

	done := askDone{
		Refused:   out.Refused,
		Degraded:  out.Degraded,
		Truncated: out.Truncated,
		Sources:   make([]askSource, 0, len(out.Sources)),
	}
	for _, ref := range out.Sources {
		done.Sources = append(done.Sources, askSource{
			Label:    ref.Label,
			SourceID: ref.SourceID,
			Ordinal:  ref.Ordinal,
		})
	}
	payload, err := json.Marshal(done)
	if err != nil {
		s.observeAsk("error", start)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}

	s.observeAsk(askOutcomeLabel(out), start)

	// Signal stream completion.
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload)
	flusher.Flush()
}

// observeAsk records one completed /api/ask request.
func (s *Server) observeAsk(outcome string, start time.Time) {
	s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// askOutcomeLabel maps a successful tutor outcome to its metric label.
func askOutcomeLabel(out *tutor.Outcome) string {
	switch {
	case out.Refused:
		return "refused"
	case out.Truncated:
		return "truncated"
	case out.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}

// handleIngest handles POST /api/ingest. The document is queued for
// background processing and a job ID is returned immediately with 202.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ScopeID == "" {
		http.Error(w, "scopeId is required", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	doc := ingestion.Document{
		ScopeID: req.ScopeID,
		Name:    req.Name,
		Data:    []byte(req.Text),
	}
	id, err := s.jobs.Submit(func(ctx context.Context) error {
		_, err := s.ingestor.Ingest(logging.WithScope(ctx, doc.ScopeID), doc)
		return err
	})
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			s.metrics.ingestJobsTotal.WithLabelValues("rejected").Inc()
			w.Header().Set("Retry-After", "5")
			http.Error(w, "ingestion queue full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.ingestJobsTotal.WithLabelValues("accepted").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.encode(w, r, ingestResponse{JobID: id})
}

// handleJob handles GET /api/jobs/{id} for ingestion status polling.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.jobs.Status(id)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.encode(w, r, jobResponse{
		ID:       job.ID,
		State:    string(job.State),
		Attempts: job.Attempts,
		Error:    job.Err,
	})
}

// handleExchanges handles GET /api/exchanges?scope=...&limit=... and returns
// the scope's exchange history newest-first.
func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("scopeId")
	if scopeID == "" {
		http.Error(w, "scopeId is required", http.StatusBadRequest)
		return
	}

	limit := defaultExchangeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.exchanges.ListExchanges(r.Context(), scopeID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]exchangeResponse, 0, len(list))
	for _, ex := range list {
		resp = append(resp, exchangeResponse{
			ID:        ex.ID,
			ScopeID:   ex.ScopeID,
			Question:  ex.Question,
			Answer:    ex.Answer,
			Refused:   ex.Refused,
			Degraded:  ex.Degraded,
			Truncated: ex.Truncated,
			CreatedAt: ex.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	s.encode(w, r, resp)
}

// handleExchangeDelete handles DELETE /api/exchanges/{id}?scope=... and
// removes one exchange from the scope's history.
func (s *Server) handleExchangeDelete(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("scopeId")
	if scopeID == "" {
		http.Error(w, "scopeId is required", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "id must be an integer", http.StatusBadRequest)
		return
	}

	if err := s.exchanges.DeleteExchange(r.Context(), scopeID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "exchange not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.encode(w, r, map[string]string{"status": "ok"})
}

// encode writes v as JSON, logging (not masking) encoding failures since
// headers are already out.
func (s *Server) encode(w http.ResponseWriter, r *http.Request, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
