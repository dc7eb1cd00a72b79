package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template of the breaker created per entry. Its
	// Name is replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Permanent reports errors that no other entry would handle better,
	// such as malformed input. They are returned as-is, stop the failover
	// and do not count against any breaker. Default: [context.Canceled]
	// and [context.DeadlineExceeded].
	Permanent func(error) bool
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback implementations of
// the same interface. A call goes to the first entry whose breaker admits it;
// on failure the next entry is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines.
// After that FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries   []fallbackEntry[T]
	cfg       FallbackConfig
	permanent func(error) bool
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, permanent: cfg.Permanent}
	if fg.permanent == nil {
		fg.permanent = func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback, tried after every entry added before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	isFailure := cbCfg.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}
	cbCfg.IsFailure = func(err error) bool {
		return !fg.permanent(err) && isFailure(err)
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Execute runs fn against the entries in order until one succeeds. It
// returns [ErrAllFailed] wrapping the last error if none does.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a
// value. It is a function because methods cannot have type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping backend, circuit open", "backend", entry.name)
		case fg.permanent(err):
			return zero, err
		default:
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
