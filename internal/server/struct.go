package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/studiora/studiora-go/internal/ingestion"
	"github.com/studiora/studiora-go/internal/jobs"
	"github.com/studiora/studiora-go/internal/store"
	"github.com/studiora/studiora-go/internal/tutor"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds one POST /api/ask request end to end.
	// Defaults to 5 minutes; streaming answers need the headroom.
	AskTimeout time.Duration
	// IngestWorkers is the number of background ingestion workers.
	// Defaults to 2 if zero.
	IngestWorkers int
	// IngestQueue is the ingestion job queue capacity. Defaults to 16 if zero.
	IngestQueue int
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's Prometheus metrics. If nil,
	// prometheus.DefaultRegisterer is used.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. If nil, prometheus.DefaultGatherer
	// is used.
	MetricsGatherer prometheus.Gatherer
}

// answerer is the interface handleAsk calls to stream an answer.
// *tutor.Tutor satisfies it; tests inject a fake.
type answerer interface {
	// Ask streams the answer for req to w and reports how the turn ended.
	Ask(ctx context.Context, req tutor.Request, w io.Writer) (*tutor.Outcome, error)
}

// ingestor is the interface ingestion jobs call to process one document.
// *ingestion.Pipeline satisfies it; tests inject a fake.
type ingestor interface {
	Ingest(ctx context.Context, doc ingestion.Document) (*ingestion.Outcome, error)
}

// dispatcher is the slice of the job dispatcher the handlers need.
type dispatcher interface {
	Submit(task jobs.Task) (string, error)
	Status(id string) (jobs.Job, error)
	Close()
}

// exchangeStore is the slice of the store the exchange handlers need.
type exchangeStore interface {
	ListExchanges(ctx context.Context, scopeID string, limit int) ([]store.Exchange, error)
	DeleteExchange(ctx context.Context, scopeID string, id int64) error
}

// Server is the HTTP server that exposes the tutor and the ingestion
// pipeline as a REST/SSE API.
type Server struct {
	// answerer streams answers for POST /api/ask; *tutor.Tutor in
	// production, a fake in tests.
	answerer answerer
	// ingestor processes documents submitted via POST /api/ingest.
	ingestor ingestor
	// jobs tracks background ingestion work.
	jobs dispatcher
	// exchanges serves the exchange listing and deletion endpoints.
	exchanges exchangeStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus metrics.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// ScopeID selects the retrieval scope to answer from.
	ScopeID string `json:"scopeId"`
	// Question is the learner's question.
	Question string `json:"question"`
	// History optionally carries prior turns, oldest first. When present
	// it replaces the server-side exchange history for this turn.
	History []askTurn `json:"history,omitempty"`
}

// askTurn is one prior question/answer pair in an ask request.
type askTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// askDone is the JSON payload of the terminal "done" SSE event.
type askDone struct {
	// Refused is true when the question was declined.
	Refused bool `json:"refused"`
	// Degraded is true when the answer was produced without retrieval.
	Degraded bool `json:"degraded"`
	// Truncated is true when generation was cut off by the timeout.
	Truncated bool `json:"truncated"`
	// Sources lists the context entries the answer could cite.
	Sources []askSource `json:"sources"`
}

// askSource is one citation entry in the "done" event.
type askSource struct {
	// Label is the citation number used in the answer, starting at 1.
	Label int `json:"label"`
	// SourceID identifies the source document.
	SourceID string `json:"sourceId"`
	// Ordinal is the chunk's position within its source.
	Ordinal int `json:"ordinal"`
}

// ingestRequest is the JSON body for POST /api/ingest.
type ingestRequest struct {
	// ScopeID is the retrieval scope the document belongs to.
	ScopeID string `json:"scopeId"`
	// Name is the document name, used for format detection and display.
	Name string `json:"name"`
	// Text is the raw document text.
	Text string `json:"text"`
}

// ingestResponse is the JSON response for POST /api/ingest.
type ingestResponse struct {
	// JobID tracks the queued ingestion; poll GET /api/jobs/{id}.
	JobID string `json:"jobId"`
}

// jobResponse is the JSON response for GET /api/jobs/{id}.
type jobResponse struct {
	// ID is the dispatcher-issued job identifier.
	ID string `json:"id"`
	// State is "queued", "running", "done", or "failed".
	State string `json:"state"`
	// Attempts counts how many times the job has started running.
	Attempts int `json:"attempts"`
	// Error holds the failure reason for failed jobs. Empty otherwise.
	Error string `json:"error,omitempty"`
}

// exchangeResponse is one entry in the GET /api/exchanges listing.
type exchangeResponse struct {
	// ID is the exchange row identifier.
	ID int64 `json:"id"`
	// ScopeID is the retrieval scope the exchange belongs to.
	ScopeID string `json:"scopeId"`
	// Question is the learner's question as asked.
	Question string `json:"question"`
	// Answer is the full answer text, or the refusal text.
	Answer string `json:"answer"`
	// Refused is true when the question was declined.
	Refused bool `json:"refused"`
	// Degraded is true when the answer was produced without retrieval.
	Degraded bool `json:"degraded"`
	// Truncated is true when generation was cut off.
	Truncated bool `json:"truncated"`
	// CreatedAt is the persistence time in RFC 3339 format.
	CreatedAt string `json:"createdAt"`
}
