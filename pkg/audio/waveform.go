package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInput is returned (wrapped) when a waveform or an audio container
// is malformed: bad sample rate, non-finite or out-of-range samples, truncated
// PCM data or an unsupported encoding.
var ErrInvalidInput = errors.New("audio: invalid input")

// Sample-rate bounds accepted by [Waveform.Validate]. The lower bound keeps the
// Nyquist frequency above the highest fundamental frequency of interest.
const (
	MinSampleRate = 4000
	MaxSampleRate = 768000
)

// sampleTolerance allows for rounding in decoders that normalise to [-1, 1].
const sampleTolerance = 1e-6

// Waveform is a decoded mono recording. Samples are in [-1, 1].
//
// A Waveform is immutable once loaded; analysis stages only ever read from it
// and take sub-slices.
type Waveform struct {
	Samples    []float64
	SampleRate int

	// RecordingStart is the wall-clock time of the first sample, if known. It
	// is only used to present absolute timestamps.
	RecordingStart time.Time
}

// NewWaveform returns a validated waveform over samples.
func NewWaveform(samples []float64, sampleRate int) (*Waveform, error) {
	w := &Waveform{Samples: samples, SampleRate: sampleRate}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate checks the sample rate and every sample value. An empty waveform is
// valid.
func (w *Waveform) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: nil waveform", ErrInvalidInput)
	}
	if w.SampleRate < MinSampleRate || w.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d Hz outside [%d, %d]",
			ErrInvalidInput, w.SampleRate, MinSampleRate, MaxSampleRate)
	}
	for i, s := range w.Samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidInput, i)
		}
		if math.Abs(s) > 1+sampleTolerance {
			return fmt.Errorf("%w: sample %g at index %d outside [-1, 1]", ErrInvalidInput, s, i)
		}
	}
	return nil
}

// Len returns the number of samples.
func (w *Waveform) Len() int { return len(w.Samples) }

// Duration returns the length of the waveform in seconds.
func (w *Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Index converts a time in seconds to the nearest sample index, clamped to
// [0, Len()].
func (w *Waveform) Index(seconds float64) int {
	i := int(math.Round(seconds * float64(w.SampleRate)))
	return max(0, min(i, len(w.Samples)))
}

// Slice returns the samples between start and end seconds. The result shares
// memory with w and must not be modified.
func (w *Waveform) Slice(start, end float64) []float64 {
	lo, hi := w.Index(start), w.Index(end)
	if hi <= lo {
		return nil
	}
	return w.Samples[lo:hi]
}
