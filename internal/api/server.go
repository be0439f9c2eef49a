// Package api exposes the transcription pipeline over HTTP: chunk and file
// transcription, the monthly usage reset, usage statistics, and the health
// and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radubobirnac/vocallocal/internal/access"
	"github.com/radubobirnac/vocallocal/internal/health"
	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/internal/segment"
	"github.com/radubobirnac/vocallocal/internal/transcribe"
	"github.com/radubobirnac/vocallocal/internal/transcript"
	"github.com/radubobirnac/vocallocal/internal/usage"
)

// Config carries the server's operational settings.
type Config struct {
	// ResetToken authenticates the reset and stats endpoints. Empty disables
	// them.
	ResetToken string

	// MaxUploadBytes bounds a single multipart upload. Default: 32 MiB.
	MaxUploadBytes int64

	// WindowWords is the dedup window size for session mergers.
	WindowWords int
}

// Server wires the pipeline components behind the HTTP surface.
type Server struct {
	cfg      Config
	resolver *access.Resolver
	executor *transcribe.Executor
	sessions *transcript.Sessions
	splitter *segment.FileSplitter
	reset    *usage.Coordinator
	stats    *usage.StatsCollector
	checks   *health.Handler
	metrics  *observe.Metrics
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithHealthChecks registers readiness checkers served under /readyz.
func WithHealthChecks(checkers ...health.Checker) Option {
	return func(s *Server) { s.checks = health.New(checkers...) }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer assembles the HTTP surface over the given pipeline components.
// splitter, reset, and stats may be nil; their endpoints then return 404 or
// 503 as appropriate.
func NewServer(cfg Config, resolver *access.Resolver, executor *transcribe.Executor,
	splitter *segment.FileSplitter, reset *usage.Coordinator, stats *usage.StatsCollector,
	opts ...Option) *Server {

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		executor: executor,
		splitter: splitter,
		reset:    reset,
		stats:    stats,
	}
	for _, o := range opts {
		o(s)
	}
	if s.checks == nil {
		s.checks = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.sessions = transcript.NewSessions(cfg.WindowWords, transcript.WithSessionMetrics(s.metrics))
	return s
}

// Handler returns the fully wired HTTP handler: routes plus the tracing and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/transcribe-chunk", s.handleTranscribeChunk)
	mux.HandleFunc("POST /api/transcribe-file", s.handleTranscribeFile)
	mux.HandleFunc("POST /api/end-session", s.handleEndSession)
	mux.HandleFunc("POST /api/reset-usage", s.requireToken(s.handleResetUsage))
	mux.HandleFunc("GET /api/usage-stats", s.requireToken(s.handleUsageStats))

	mux.Handle("GET /metrics", promhttp.Handler())
	s.checks.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// writeJSON encodes v with the given status. Encoding failures surface as a
// plain 500; by then part of the body may already be written, which is the
// best we can do.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(context.Background()).Error("response encoding failed", "err", err)
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
