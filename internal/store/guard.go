package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cryscope/internal/resilience"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Guarded wraps a [Store] with a circuit breaker. While the breaker is open
// every call fails immediately with an error wrapping
// [resilience.ErrCircuitOpen].
//
// Lookups of absent data ([ErrNotFound], [ErrNoIndex]) and cancelled calls
// are answers, not backend faults, and never trip the breaker.
type Guarded struct {
	inner Store
	cb    *resilience.CircuitBreaker
}

var _ Store = (*Guarded)(nil)

// NewGuarded wraps inner. cfg.IsFailure is replaced.
func NewGuarded(inner Store, cfg resilience.CircuitBreakerConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	cfg.IsFailure = isBackendFault
	return &Guarded{inner: inner, cb: resilience.NewCircuitBreaker(cfg)}
}

func isBackendFault(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrNoIndex) &&
		!errors.Is(err, context.Canceled)
}

// Breaker exposes the breaker state for readiness reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.cb }

func (g *Guarded) do(fn func() error) error {
	err := g.cb.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("store: %w", err)
	}
	return err
}

// SetProgress implements [Store.SetProgress].
func (g *Guarded) SetProgress(ctx context.Context, fileID string, p types.Progress) error {
	return g.do(func() error { return g.inner.SetProgress(ctx, fileID, p) })
}

// Progress implements [Store.Progress].
func (g *Guarded) Progress(ctx context.Context, fileID string) (p types.Progress, err error) {
	err = g.do(func() error {
		p, err = g.inner.Progress(ctx, fileID)
		return err
	})
	return p, err
}

// SaveResult implements [Store.SaveResult].
func (g *Guarded) SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error {
	return g.do(func() error { return g.inner.SaveResult(ctx, fileID, res) })
}

// Result implements [Store.Result].
func (g *Guarded) Result(ctx context.Context, fileID string) (res *types.AnalysisResult, err error) {
	err = g.do(func() error {
		res, err = g.inner.Result(ctx, fileID)
		return err
	})
	return res, err
}

// SimilarEpisodes implements [Store.SimilarEpisodes].
func (g *Guarded) SimilarEpisodes(ctx context.Context, fileID, episode string, k int) (m []Match, err error) {
	err = g.do(func() error {
		m, err = g.inner.SimilarEpisodes(ctx, fileID, episode, k)
		return err
	})
	return m, err
}

// Ping implements [Store.Ping]. It bypasses the breaker so readiness checks
// observe the backend itself.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}
