// Package mock provides a scripted [estimator.Estimator] for unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/cryscope/pkg/provider/estimator"
)

// Estimator is a mock implementation of [estimator.Estimator]. Set Results to
// script one estimate per call (the last entry repeats once exhausted), or
// EstimateFunc to compute results from the frame.
type Estimator struct {
	mu sync.Mutex

	// Results are returned in call order.
	Results []estimator.Estimate

	// Err is returned alongside an empty estimate when non-nil.
	Err error

	// EstimateFunc, when set, overrides Results and Err.
	EstimateFunc func(frame []float64, sampleRate int) (estimator.Estimate, error)

	// Calls counts invocations; FrameLens records the length of every frame.
	Calls     int
	FrameLens []int
}

var _ estimator.Estimator = (*Estimator)(nil)

// Estimate implements [estimator.Estimator].
func (m *Estimator) Estimate(frame []float64, sampleRate int) (estimator.Estimate, error) {
	m.mu.Lock()
	i := m.Calls
	m.Calls++
	m.FrameLens = append(m.FrameLens, len(frame))
	fn, err := m.EstimateFunc, m.Err
	var res estimator.Estimate
	if len(m.Results) > 0 {
		res = m.Results[min(i, len(m.Results)-1)]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(frame, sampleRate)
	}
	if err != nil {
		return estimator.Estimate{}, err
	}
	return res, nil
}
