package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cryscope/pkg/provider/estimator"
)

// ErrEstimatorNotRegistered is returned by [Registry.CreateEstimator] when no
// factory has been registered under the requested name.
var ErrEstimatorNotRegistered = errors.New("config: estimator not registered")

// EstimatorFactory builds an estimator from the acoustic settings.
type EstimatorFactory func(AcousticConfig) (estimator.Estimator, error)

// Registry maps estimator names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	estimators map[string]EstimatorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{estimators: make(map[string]EstimatorFactory)}
}

// RegisterEstimator registers an estimator factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEstimator(name string, factory EstimatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[name] = factory
}

// CreateEstimator builds the estimator registered under name.
func (r *Registry) CreateEstimator(name string, cfg AcousticConfig) (estimator.Estimator, error) {
	r.mu.RLock()
	factory, ok := r.estimators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEstimatorNotRegistered, name)
	}
	est, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create estimator %q: %w", name, err)
	}
	return est, nil
}

// Estimators returns the registered names in sorted order.
func (r *Registry) Estimators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.estimators))
	for name := range r.estimators {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
