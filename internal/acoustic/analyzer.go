// Package acoustic turns one cry episode into a time series of acoustic
// frames: pitch, formants, harmonicity, perturbation and intensity.
//
// The voice measures come from a pluggable [estimator.Estimator]; this
// package owns only the frame grid, intensity and null handling. A frame the
// estimator cannot measure keeps its timestamp and intensity and leaves every
// other field nil.
package acoustic

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/cryscope/internal/dsp"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Config tunes the frame grid. Durations are in seconds.
type Config struct {
	// TimeStep is the hop between frame centres.
	TimeStep float64

	// WindowLength is the span of samples handed to the estimator per frame.
	WindowLength float64

	// IntensityReference is the amplitude that maps to 0 dB. The default
	// 2e-5 gives the familiar dB SPL-like scale for full-scale audio.
	IntensityReference float64
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		TimeStep:           0.01,
		WindowLength:       0.04,
		IntensityReference: 2e-5,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.TimeStep <= 0 {
		errs = append(errs, fmt.Errorf("time step must be positive, got %g", c.TimeStep))
	}
	if c.WindowLength < c.TimeStep {
		errs = append(errs, fmt.Errorf("window length %g shorter than time step %g", c.WindowLength, c.TimeStep))
	}
	if c.IntensityReference <= 0 {
		errs = append(errs, fmt.Errorf("intensity reference must be positive, got %g", c.IntensityReference))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("acoustic: invalid config: %w", err)
	}
	return nil
}

// intensityFloor keeps the intensity of digital silence finite.
const intensityFloor = 1e-20

// Analyzer extracts acoustic frames. It is safe for concurrent use when its
// estimator is.
type Analyzer struct {
	cfg     Config
	est     estimator.Estimator
	metrics *observe.Metrics
	estName string
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithMetrics records estimation gaps on m, attributed to the named
// estimator.
func WithMetrics(m *observe.Metrics, estimatorName string) Option {
	return func(a *Analyzer) {
		a.metrics = m
		a.estName = estimatorName
	}
}

// New returns an Analyzer backed by est.
func New(cfg Config, est estimator.Estimator, opts ...Option) (*Analyzer, error) {
	if est == nil {
		return nil, errors.New("acoustic: estimator must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{cfg: cfg, est: est}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the analyzer configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Analyze returns one frame per time step inside ep, in time order. Frame
// times lie within [ep.StartTime, ep.EndTime]. Estimation failures never
// abort the series; they leave the affected fields nil.
//
// ctx supplies logging and metric context only. Cancellation is observed by
// the caller between episodes, so a returned series is always complete.
func (a *Analyzer) Analyze(ctx context.Context, wf *audio.Waveform, ep types.CryEpisode) []types.AcousticFrame {
	size := dsp.SamplesFor(a.cfg.WindowLength, wf.SampleRate)
	half := size / 2
	ref := a.cfg.IntensityReference * a.cfg.IntensityReference

	count := int(math.Floor((ep.EndTime-ep.StartTime)/a.cfg.TimeStep+1e-9)) + 1
	frames := make([]types.AcousticFrame, 0, max(count, 0))
	var gaps int
	for k := range count {
		t := ep.StartTime + float64(k)*a.cfg.TimeStep
		if t > ep.EndTime {
			break
		}
		// Keep the window fully inside the waveform so edge frames are
		// measured on as many samples as interior ones.
		lo := max(0, min(wf.Index(t)-half, wf.Len()-size))
		hi := min(wf.Len(), lo+size)
		window := wf.Samples[lo:hi]

		frame := types.AcousticFrame{
			Time:      t,
			Intensity: dsp.PowerDB(dsp.MeanSquare(window), ref, intensityFloor),
		}
		est, err := a.est.Estimate(window, wf.SampleRate)
		if err != nil {
			gaps++
			if gaps == 1 {
				observe.Logger(ctx).Debug("frame estimation failed",
					"time", t, "err", err)
			}
		} else {
			apply(&frame, est)
		}
		frames = append(frames, frame)
	}
	if gaps > 0 {
		observe.Logger(ctx).Debug("estimation gaps in episode",
			"start", ep.StartTime, "frames", len(frames), "gaps", gaps)
		if a.metrics != nil {
			a.metrics.RecordEstimationGaps(ctx, a.estName, gaps)
		}
	}
	return frames
}

// apply copies est into f. Without a finite F0 nothing else is kept.
func apply(f *types.AcousticFrame, est estimator.Estimate) {
	f0 := finite(est.F0)
	if f0 == nil {
		return
	}
	f.F0 = f0
	f.F1 = finite(est.Formants[0])
	f.F2 = finite(est.Formants[1])
	f.F3 = finite(est.Formants[2])
	f.HNR = finite(est.HNR)
	f.Jitter = finite(est.Jitter)
	f.Shimmer = finite(est.Shimmer)
}

// finite returns a private copy of *p, or nil when p is nil or not finite.
func finite(p *float64) *float64 {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return nil
	}
	return types.Float(*p)
}
