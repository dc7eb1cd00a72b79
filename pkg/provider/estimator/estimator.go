// Package estimator defines the Estimator interface for frame-level voice
// measures: fundamental frequency, formants, harmonicity and cycle-to-cycle
// perturbation.
//
// An Estimator is the only place where pitch and formant tracking happen.
// Segmentation and aggregation code consume its [Estimate] values and never
// look at the algorithm behind them, so backends can be swapped through the
// configuration registry without touching the rest of the pipeline.
//
// Every measure is optional. A frame without a reliable periodic component
// yields a nil F0, and implementations must then leave every other field nil
// as well.
package estimator

import "errors"

// ErrFrameTooShort is returned when a frame cannot hold two periods of the
// lowest fundamental frequency the estimator searches for.
var ErrFrameTooShort = errors.New("estimator: frame too short")

// Estimate is the result for one analysis frame. Nil fields could not be
// estimated.
type Estimate struct {
	// F0 is the fundamental frequency in Hz.
	F0 *float64

	// Formants holds F1, F2 and F3 in Hz in ascending order. Trailing entries
	// are nil when fewer resonances were found.
	Formants [3]*float64

	// HNR is the harmonic-to-noise ratio in dB.
	HNR *float64

	// Jitter is the local period perturbation in percent.
	Jitter *float64

	// Shimmer is the local amplitude perturbation in percent.
	Shimmer *float64
}

// Voiced reports whether a fundamental frequency was found.
func (e Estimate) Voiced() bool { return e.F0 != nil }

// Estimator measures one frame of mono samples.
//
// Implementations must be deterministic (identical input yields identical
// output) and safe for concurrent use.
type Estimator interface {
	// Estimate analyses frame, sampled at sampleRate Hz. A returned error
	// means the whole frame could not be measured; callers treat it as a
	// frame with every measure missing and carry on with the next frame.
	Estimate(frame []float64, sampleRate int) (Estimate, error)
}
