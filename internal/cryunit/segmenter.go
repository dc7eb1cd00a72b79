// Package cryunit splits a cry episode into elementary voiced and unvoiced
// units and derives the expiratory-phase ratios cryCE and unvoicedCE.
package cryunit

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/cryscope/internal/dsp"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Config tunes the segmentation. Durations are in seconds.
type Config struct {
	// MinUnitDuration is the shortest unit kept on its own; shorter runs are
	// absorbed by a neighbour.
	MinUnitDuration float64

	// SilenceDrop marks unvoiced frames whose smoothed intensity lies this
	// many dB below the episode maximum as silent (inspiration or pause).
	SilenceDrop float64

	// SmoothWindow and SmoothOrder configure the Savitzky-Golay filter
	// applied to the intensity contour before silence classification.
	SmoothWindow int
	SmoothOrder  int

	// PeakFFTSize is the segment length of the averaged spectrum used for
	// peak frequency. It must be a power of two.
	PeakFFTSize int

	// PeakMinFrequency ignores spectral peaks below this frequency in Hz.
	PeakMinFrequency float64

	// IntensityReference is the 0 dB amplitude used when a unit has no
	// frames to average and its energy is measured from samples.
	IntensityReference float64
}

// DefaultConfig returns the segmenter defaults.
func DefaultConfig() Config {
	return Config{
		MinUnitDuration:  0.1,
		SilenceDrop:      25,
		SmoothWindow:     5,
		SmoothOrder:      2,
		PeakFFTSize:      2048,
		PeakMinFrequency: 50,

		IntensityReference: 2e-5,
	}
}

type state uint8

const (
	stateUnvoiced state = iota
	stateVoiced
	stateSilent
)

// Segmenter derives cry units. It holds no per-episode state and is safe for
// concurrent use.
type Segmenter struct {
	cfg    Config
	smooth []float64
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MinUnitDuration < 0 {
		errs = append(errs, fmt.Errorf("min unit duration must not be negative, got %g", c.MinUnitDuration))
	}
	if c.IntensityReference <= 0 {
		errs = append(errs, fmt.Errorf("intensity reference must be positive, got %g", c.IntensityReference))
	}
	if c.SilenceDrop <= 0 {
		errs = append(errs, fmt.Errorf("silence drop must be positive, got %g", c.SilenceDrop))
	}
	if c.PeakFFTSize < 64 || c.PeakFFTSize&(c.PeakFFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("peak fft size %d must be a power of two ≥ 64", c.PeakFFTSize))
	}
	if _, err := dsp.SavitzkyGolay(c.SmoothWindow, c.SmoothOrder); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cryunit: invalid config: %w", err)
	}
	return nil
}

// New returns a Segmenter.
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	coeffs, err := dsp.SavitzkyGolay(cfg.SmoothWindow, cfg.SmoothOrder)
	if err != nil {
		return nil, fmt.Errorf("cryunit: %w", err)
	}
	return &Segmenter{cfg: cfg, smooth: coeffs}, nil
}

// run is a maximal stretch of frames [from, to) sharing one state, spanning
// [start, end] seconds.
type run struct {
	state      state
	from, to   int
	start, end float64
}

func (r run) duration() float64 { return r.end - r.start }

// Segment partitions ep into units using the voicing of frames. Units tile
// the episode exactly. Frames must belong to ep and be in time order.
func (s *Segmenter) Segment(wf *audio.Waveform, ep types.CryEpisode, frames []types.AcousticFrame) types.EpisodeUnitsSummary {
	runs := s.runs(ep, frames)
	runs = s.absorbShort(runs)

	spec := dsp.NewSpectrum(s.cfg.PeakFFTSize)
	window := dsp.Hann(s.cfg.PeakFFTSize)

	summary := types.EpisodeUnitsSummary{Units: make([]types.CryUnit, 0, len(runs))}
	var voiced, unvoiced float64
	for _, r := range runs {
		u := types.CryUnit{
			StartTime:     r.start,
			EndTime:       r.end,
			Duration:      r.duration(),
			IsVoiced:      r.state == stateVoiced,
			Silent:        r.state == stateSilent,
			MeanEnergy:    meanIntensity(frames[r.from:r.to]),
			PeakFrequency: s.peakFrequency(spec, window, wf.Slice(r.start, r.end), wf.SampleRate),
		}
		if r.from == r.to {
			ref := s.cfg.IntensityReference * s.cfg.IntensityReference
			u.MeanEnergy = dsp.PowerDB(dsp.MeanSquare(wf.Slice(r.start, r.end)), ref, 1e-20)
		}
		if u.IsVoiced {
			voiced += u.Duration
		} else {
			unvoiced += u.Duration
		}
		summary.Units = append(summary.Units, u)
	}
	summary.UnitCount = len(summary.Units)
	if ep.Duration > 0 {
		summary.CryCE = dsp.Clamp01(voiced / ep.Duration)
		summary.UnvoicedCE = dsp.Clamp01(unvoiced / ep.Duration)
	}
	return summary
}

// runs classifies every frame and groups equal neighbours. Run boundaries
// fall halfway between the frames on either side of a state change.
func (s *Segmenter) runs(ep types.CryEpisode, frames []types.AcousticFrame) []run {
	if len(frames) == 0 {
		return []run{{state: stateUnvoiced, start: ep.StartTime, end: ep.EndTime}}
	}

	intensity := make([]float64, len(frames))
	for i, f := range frames {
		intensity[i] = f.Intensity
	}
	if len(intensity) >= len(s.smooth) {
		intensity = dsp.Smooth(intensity, s.smooth)
	}
	peak := math.Inf(-1)
	for _, v := range intensity {
		peak = math.Max(peak, v)
	}

	classify := func(i int) state {
		switch {
		case frames[i].Voiced():
			return stateVoiced
		case intensity[i] < peak-s.cfg.SilenceDrop:
			return stateSilent
		default:
			return stateUnvoiced
		}
	}

	runs := []run{{state: classify(0), from: 0, start: ep.StartTime}}
	for i := 1; i < len(frames); i++ {
		st := classify(i)
		cur := &runs[len(runs)-1]
		if st == cur.state {
			continue
		}
		boundary := (frames[i-1].Time + frames[i].Time) / 2
		cur.to, cur.end = i, boundary
		runs = append(runs, run{state: st, from: i, start: boundary})
	}
	last := &runs[len(runs)-1]
	last.to, last.end = len(frames), ep.EndTime
	return runs
}

// absorbShort merges runs shorter than MinUnitDuration into a neighbour,
// shortest first, until every run is long enough or only one remains.
func (s *Segmenter) absorbShort(runs []run) []run {
	for len(runs) > 1 {
		idx := -1
		for i, r := range runs {
			if r.duration() < s.cfg.MinUnitDuration && (idx < 0 || r.duration() < runs[idx].duration()) {
				idx = i
			}
		}
		if idx < 0 {
			break
		}

		// Prefer the longer neighbour; it is the one the short run most
		// plausibly belongs to.
		into := idx - 1
		if idx == 0 || (idx+1 < len(runs) && runs[idx+1].duration() > runs[idx-1].duration()) {
			into = idx + 1
		}
		short := runs[idx]
		if into < idx {
			runs[into].to, runs[into].end = short.to, short.end
		} else {
			runs[into].from, runs[into].start = short.from, short.start
		}
		runs = append(runs[:idx], runs[idx+1:]...)
		runs = coalesce(runs)
	}
	return runs
}

// coalesce joins adjacent runs that share a state.
func coalesce(runs []run) []run {
	out := runs[:1]
	for _, r := range runs[1:] {
		prev := &out[len(out)-1]
		if r.state == prev.state {
			prev.to, prev.end = r.to, r.end
			continue
		}
		out = append(out, r)
	}
	return out
}

func meanIntensity(frames []types.AcousticFrame) float64 {
	if len(frames) == 0 {
		return 0
	}
	var sum float64
	for _, f := range frames {
		sum += f.Intensity
	}
	return sum / float64(len(frames))
}

// peakFrequency returns the strongest frequency of x from an averaged
// magnitude spectrum over half-overlapping segments, or 0 for silence.
func (s *Segmenter) peakFrequency(spec *dsp.Spectrum, window, x []float64, rate int) float64 {
	n := s.cfg.PeakFFTSize
	avg := make([]float64, n/2+1)
	hop := n / 2
	for lo := 0; ; lo += hop {
		hi := min(lo+n, len(x))
		for k, m := range spec.Magnitudes(x[lo:hi], window) {
			avg[k] += m
		}
		if hi == len(x) {
			break
		}
	}

	minBin := max(1, int(math.Ceil(s.cfg.PeakMinFrequency*float64(n)/float64(rate))))
	best := -1
	for k := minBin; k < len(avg); k++ {
		if best < 0 || avg[k] > avg[best] {
			best = k
		}
	}
	if best < 0 || avg[best] <= 0 {
		return 0
	}
	off, _ := dsp.ParabolicPeak(avg, best)
	return (float64(best) + off) * float64(rate) / float64(n)
}
