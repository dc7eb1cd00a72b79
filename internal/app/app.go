// Package app wires the cryscope subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, Reload applies a new
// configuration and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithSource, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/cryscope/internal/config"
	"github.com/MrWong99/cryscope/internal/jobs"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/resilience"
	"github.com/MrWong99/cryscope/internal/server"
	"github.com/MrWong99/cryscope/internal/store"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
)

// App owns all subsystem lifetimes of the analysis service.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store        store.Store
	source       audio.Source
	orchestrator *pipeline.Orchestrator
	hub          *jobs.Hub
	runner       *jobs.Runner
	server       *server.Server
	httpServer   *http.Server

	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSource injects a waveform source instead of the file decoder.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Estimators are
// looked up in reg by the names the config gives.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.source == nil {
		a.source = &audio.FileSource{}
	}

	// ── 1. Pipeline ──────────────────────────────────────────────────────
	p, err := BuildPipeline(reg, cfg.Analysis, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 2. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Runs ──────────────────────────────────────────────────────────
	a.hub = jobs.NewHub()
	a.orchestrator = pipeline.NewOrchestrator(p, a.source, a.store, pipeline.WithProgressHook(a.hub.Publish))
	a.runner = jobs.NewRunner(a.orchestrator, a.store, a.hub, cfg.Jobs.Runner())

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.server = server.New(a.runner, a.store,
		server.WithMetrics(a.metrics),
		server.WithDataDir(cfg.Server.DataDir),
		server.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		server.WithCheckers(server.Checker{Name: "store", Check: a.store.Ping}),
	)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"estimator", cfg.Analysis.Acoustic.Estimator,
		"storage", cfg.Storage.Backend,
		"max_concurrent", cfg.Jobs.MaxConcurrent,
	)
	return a, nil
}

// initStore opens the configured backend unless one was injected, and puts
// a circuit breaker in front of it.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	var backend store.Store
	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		var opts []store.PostgresOption
		if a.cfg.Storage.FingerprintIndex {
			opts = append(opts, store.WithFingerprintIndex())
		}
		pg, err := store.OpenPostgres(ctx, a.cfg.Storage.PostgresDSN, opts...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		backend = pg
	default:
		backend = store.NewMemoryStore()
	}

	bc := a.cfg.Storage.Breaker
	bc.Name = "store:" + string(a.cfg.Storage.Backend)
	a.store = store.NewGuarded(backend, bc)
	return nil
}

// BuildEstimator creates the configured estimator. With a fallback name the
// primary is wrapped in a failover group.
func BuildEstimator(reg *config.Registry, ac config.AcousticConfig) (estimator.Estimator, error) {
	primary, err := reg.CreateEstimator(ac.Estimator, ac)
	if err != nil {
		return nil, err
	}
	if ac.Fallback == "" {
		return primary, nil
	}
	backup, err := reg.CreateEstimator(ac.Fallback, ac)
	if err != nil {
		return nil, err
	}
	fb := resilience.NewEstimatorFallback(primary, ac.Estimator, ac.Breaker)
	fb.AddFallback(ac.Fallback, backup)
	return fb, nil
}

// BuildPipeline creates the estimator and the analysis pipeline for ac.
func BuildPipeline(reg *config.Registry, ac config.AnalysisConfig, m *observe.Metrics) (*pipeline.Pipeline, error) {
	est, err := BuildEstimator(reg, ac.Acoustic)
	if err != nil {
		return nil, err
	}
	return pipeline.New(ac.Pipeline(), est,
		pipeline.WithMetrics(m),
		pipeline.WithEstimatorName(ac.Acoustic.Estimator),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// Run serves HTTP on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled. The listener is closed on
// return.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next. Analysis changes take
// effect for runs submitted afterwards; runs in progress finish with the
// settings they started with. Settings that need a restart are logged.
func (a *App) Reload(next *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires a restart", "setting", key)
	}
	if d.AnalysisChanged {
		p, err := BuildPipeline(a.registry, next.Analysis, a.metrics)
		if err != nil {
			return fmt.Errorf("app: reload analysis: %w", err)
		}
		a.orchestrator.SetPipeline(p)
		slog.Info("analysis settings reloaded", "estimator_changed", d.EstimatorChanged)
	}
	a.cfg = next
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, cancels running analyses and tears
// down all subsystems in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.runner.Shutdown(ctx); err != nil {
			slog.Warn("runner shutdown error", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
