// Package server exposes the analysis service over HTTP.
//
// Routes:
//
//   - GET    /healthz                  liveness probe
//   - GET    /readyz                   readiness probe over the registered [Checker]s
//   - GET    /metrics                  Prometheus scrape endpoint
//   - POST   /v1/files/{id}/analysis   start (or restart) an analysis
//   - DELETE /v1/files/{id}/analysis   cancel the running analysis
//   - GET    /v1/files/{id}/status     current status and progress
//   - GET    /v1/files/{id}/result     result of a completed analysis
//   - GET    /v1/files/{id}/events     websocket stream of progress updates
//   - GET    /v1/episodes/similar      nearest episodes by fingerprint
//
// Errors are JSON objects with a single "error" field.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/cryscope/internal/jobs"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/resilience"
	"github.com/MrWong99/cryscope/internal/store"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Runner starts and stops analysis runs. *jobs.Runner satisfies it.
type Runner interface {
	Submit(ctx context.Context, fileID, path string, params pipeline.Parameters) (string, error)
	Cancel(ctx context.Context, fileID string) error
	Active(fileID string) (jobs.RunInfo, bool)
	Subscribe(fileID string) (<-chan types.Progress, func())
}

// Results reads what runs have stored. store.Store satisfies it.
type Results interface {
	Progress(ctx context.Context, fileID string) (types.Progress, error)
	Result(ctx context.Context, fileID string) (*types.AnalysisResult, error)
	SimilarEpisodes(ctx context.Context, fileID, episode string, k int) ([]store.Match, error)
}

// Server holds the HTTP handlers. Create one with [New].
type Server struct {
	runner  Runner
	results Results
	health  health
	metrics *observe.Metrics
	dataDir string
	origins []string
}

// Option configures a [Server].
type Option func(*Server)

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.health.checkers = append(s.health.checkers, checkers...) }
}

// WithMetrics instruments every request with [observe.Middleware].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDataDir resolves recording paths of submit requests inside dir. Paths
// that would leave dir are rejected.
func WithDataDir(dir string) Option {
	return func(s *Server) { s.dataDir = dir }
}

// WithOriginPatterns allows cross-origin websocket clients whose host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New returns a Server.
func New(runner Runner, results Results, opts ...Option) *Server {
	s := &Server{runner: runner, results: results}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health.healthz)
	mux.HandleFunc("GET /readyz", s.health.readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/files/{id}/analysis", s.submit)
	mux.HandleFunc("DELETE /v1/files/{id}/analysis", s.cancel)
	mux.HandleFunc("GET /v1/files/{id}/status", s.status)
	mux.HandleFunc("GET /v1/files/{id}/result", s.result)
	mux.HandleFunc("GET /v1/files/{id}/events", s.events)
	mux.HandleFunc("GET /v1/episodes/similar", s.similar)

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps err to a status code, logs server-side faults and writes the
// error response.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrNoActiveRun):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNoIndex):
		return http.StatusNotImplemented
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
