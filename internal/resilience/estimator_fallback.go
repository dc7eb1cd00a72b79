package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/cryscope/pkg/provider/estimator"
)

// EstimatorFallback implements [estimator.Estimator] with failover across
// several estimators. Each backend has its own circuit breaker, so a backend
// that keeps failing is bypassed for the reset timeout instead of costing a
// failed call on every frame.
//
// [estimator.ErrFrameTooShort] is a property of the frame, not the backend:
// it is returned directly and never trips a breaker.
type EstimatorFallback struct {
	group *FallbackGroup[estimator.Estimator]
}

var _ estimator.Estimator = (*EstimatorFallback)(nil)

// NewEstimatorFallback creates an [EstimatorFallback] with primary as the
// preferred backend.
func NewEstimatorFallback(primary estimator.Estimator, primaryName string, cb CircuitBreakerConfig) *EstimatorFallback {
	return &EstimatorFallback{
		group: NewFallbackGroup(primary, primaryName, FallbackConfig{
			CircuitBreaker: cb,
			Permanent: func(err error) bool {
				return errors.Is(err, estimator.ErrFrameTooShort) ||
					errors.Is(err, context.Canceled)
			},
		}),
	}
}

// AddFallback registers a backup estimator.
func (f *EstimatorFallback) AddFallback(name string, e estimator.Estimator) {
	f.group.AddFallback(name, e)
}

// Backends returns the backend names in failover order.
func (f *EstimatorFallback) Backends() []string { return f.group.Names() }

// Estimate implements [estimator.Estimator].
func (f *EstimatorFallback) Estimate(frame []float64, sampleRate int) (estimator.Estimate, error) {
	return ExecuteWithResult(f.group, func(e estimator.Estimator) (estimator.Estimate, error) {
		return e.Estimate(frame, sampleRate)
	})
}
