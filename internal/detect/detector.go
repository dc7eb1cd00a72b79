// Package detect finds cry episodes in a waveform.
//
// The detector measures short-time energy on a fixed frame grid and marks a
// frame active when its energy clears an adaptive threshold: a margin above
// the recording's own noise floor (a low percentile of the frame-energy
// distribution), never below an absolute floor. The threshold is also
// capped at the same margin below a high percentile, so a recording that is
// cry from start to end, whose low percentile lies inside the cry, still
// yields its episodes. Active frames whose spectral
// centroid falls outside the cry band are ignored. Runs of active frames are
// bridged across short gaps, too-short runs are discarded and each surviving
// run becomes one [types.CryEpisode] with a confidence score.
//
// Long recordings are processed chunk by chunk. Frames on the global grid
// read up to one frame length past the chunk edge, and the run state carries
// over to the next chunk, so an episode straddling a chunk boundary is
// stitched into one and never reported twice. Memory beyond the waveform
// itself is bounded by one chunk of frame energies plus a fixed-size
// histogram.
package detect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/cryscope/internal/dsp"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Config tunes the detector. Durations are in seconds.
type Config struct {
	// FrameLength and HopLength define the energy frame grid.
	FrameLength float64
	HopLength   float64

	// NoisePercentile is the fraction (0–1) of the frame-energy distribution
	// taken as the noise floor.
	NoisePercentile float64

	// PeakPercentile is the fraction (0–1) of the frame-energy distribution
	// taken as the loud level. The threshold never exceeds this level minus
	// ThresholdMargin.
	PeakPercentile float64

	// ThresholdMargin is how far above the noise floor, in dB, a frame must
	// be to count as active.
	ThresholdMargin float64

	// AbsoluteFloor is the lowest RMS amplitude that can ever count as
	// active, regardless of the noise floor.
	AbsoluteFloor float64

	// CentroidMin and CentroidMax bound the spectral centroid of active
	// frames in Hz. Zero disables the respective bound.
	CentroidMin float64
	CentroidMax float64

	// MinEpisodeDuration discards shorter episodes after gap bridging.
	MinEpisodeDuration float64

	// MaxGap bridges silences shorter than this between active runs.
	MaxGap float64

	// TypicalDuration is the episode length that earns the full duration
	// share of the confidence score.
	TypicalDuration float64

	// ConfidenceRange is the mean level above threshold, in dB, that earns
	// the full energy share of the confidence score.
	ConfidenceRange float64

	// ChunkDuration bounds how much of the waveform is framed at once.
	ChunkDuration float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		FrameLength:        0.025,
		HopLength:          0.010,
		NoisePercentile:    0.2,
		PeakPercentile:     0.95,
		ThresholdMargin:    10,
		AbsoluteFloor:      0.01,
		CentroidMin:        200,
		CentroidMax:        5000,
		MinEpisodeDuration: 0.5,
		MaxGap:             1.0,
		TypicalDuration:    2.0,
		ConfidenceRange:    20,
		ChunkDuration:      60,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.FrameLength <= 0 {
		errs = append(errs, fmt.Errorf("frame length must be positive, got %g", c.FrameLength))
	}
	if c.HopLength <= 0 || c.HopLength > c.FrameLength {
		errs = append(errs, fmt.Errorf("hop length %g must be in (0, frame length]", c.HopLength))
	}
	if c.NoisePercentile < 0 || c.NoisePercentile > 1 {
		errs = append(errs, fmt.Errorf("noise percentile %g outside [0, 1]", c.NoisePercentile))
	}
	if c.PeakPercentile < c.NoisePercentile || c.PeakPercentile > 1 {
		errs = append(errs, fmt.Errorf("peak percentile %g outside [noise percentile, 1]", c.PeakPercentile))
	}
	if c.ThresholdMargin < 0 {
		errs = append(errs, fmt.Errorf("threshold margin must not be negative, got %g", c.ThresholdMargin))
	}
	if c.AbsoluteFloor <= 0 || c.AbsoluteFloor >= 1 {
		errs = append(errs, fmt.Errorf("absolute floor %g outside (0, 1)", c.AbsoluteFloor))
	}
	if c.CentroidMin < 0 || c.CentroidMax < 0 || (c.CentroidMax > 0 && c.CentroidMin >= c.CentroidMax) {
		errs = append(errs, fmt.Errorf("centroid band [%g, %g] is invalid", c.CentroidMin, c.CentroidMax))
	}
	if c.MinEpisodeDuration < 0 || c.MaxGap < 0 {
		errs = append(errs, errors.New("min episode duration and max gap must not be negative"))
	}
	if c.TypicalDuration <= 0 || c.ConfidenceRange <= 0 {
		errs = append(errs, errors.New("typical duration and confidence range must be positive"))
	}
	if c.ChunkDuration < 10*c.FrameLength {
		errs = append(errs, fmt.Errorf("chunk duration %g too short for frame length %g", c.ChunkDuration, c.FrameLength))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("detect: invalid config: %w", err)
	}
	return nil
}

// Energy histogram range in dB. Frames are floored at the lower bound.
const (
	histLoDB    = -120.0
	histHiDB    = 0.0
	histWidthDB = 0.25
	powerFloor  = 1e-12
)

// Detector finds cry episodes. It holds no per-run state and is safe for
// concurrent use.
type Detector struct {
	cfg Config
}

// New returns a detector with the given configuration.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// grid is the frame layout of one waveform.
type grid struct {
	size, hop, frames, perChunk int
	rate                        float64
}

func (d *Detector) grid(wf *audio.Waveform) grid {
	g := grid{
		size: dsp.SamplesFor(d.cfg.FrameLength, wf.SampleRate),
		hop:  dsp.SamplesFor(d.cfg.HopLength, wf.SampleRate),
		rate: float64(wf.SampleRate),
	}
	g.frames = dsp.FrameCount(wf.Len(), g.size, g.hop)
	g.perChunk = max(1, int(d.cfg.ChunkDuration/d.cfg.HopLength))
	return g
}

// Detect returns the cry episodes of wf in time order. Empty, silent or
// shorter-than-one-frame input yields an empty slice. A malformed waveform
// yields an error wrapping [audio.ErrInvalidInput]; cancellation of ctx is
// observed between chunks.
func (d *Detector) Detect(ctx context.Context, wf *audio.Waveform) ([]types.CryEpisode, error) {
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	episodes := []types.CryEpisode{}
	g := d.grid(wf)
	if g.frames == 0 {
		return episodes, nil
	}

	// Pass 1: noise floor from the energy distribution.
	hist := dsp.NewHistogram(histLoDB, histHiDB, histWidthDB)
	energies := make([]float64, 0, min(g.perChunk, g.frames))
	for c0 := 0; c0 < g.frames; c0 += g.perChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		energies = frameEnergies(energies[:0], wf.Samples, g, c0, min(c0+g.perChunk, g.frames))
		for _, e := range energies {
			hist.Add(e)
		}
	}
	noiseDB := hist.Quantile(d.cfg.NoisePercentile)
	peakDB := hist.Quantile(d.cfg.PeakPercentile)
	floorDB := 20 * math.Log10(d.cfg.AbsoluteFloor)
	margin := d.cfg.ThresholdMargin
	threshold := math.Max(math.Min(noiseDB+margin, peakDB-margin), floorDB)

	// Pass 2: activity, stitched across chunks by the tracker.
	spec := dsp.NewSpectrum(dsp.NextPow2(g.size))
	window := dsp.Hann(g.size)
	tr := tracker{cfg: d.cfg, g: g, threshold: threshold, duration: wf.Duration()}
	for c0 := 0; c0 < g.frames; c0 += g.perChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c1 := min(c0+g.perChunk, g.frames)
		energies = frameEnergies(energies[:0], wf.Samples, g, c0, c1)
		for i, e := range energies {
			f := c0 + i
			if e < threshold {
				continue
			}
			if !d.inBand(spec, window, wf.Samples[f*g.hop:f*g.hop+g.size], wf.SampleRate) {
				continue
			}
			if ep, ok := tr.active(f, e); ok {
				episodes = append(episodes, ep)
			}
		}
	}
	if ep, ok := tr.flush(); ok {
		episodes = append(episodes, ep)
	}

	observe.Logger(ctx).Debug("episode detection finished",
		"frames", g.frames,
		"noise_floor_db", noiseDB,
		"peak_db", peakDB,
		"threshold_db", threshold,
		"episodes", len(episodes),
	)
	return episodes, nil
}

// frameEnergies appends the dB energy of frames [from, to) to dst.
func frameEnergies(dst, samples []float64, g grid, from, to int) []float64 {
	for f := from; f < to; f++ {
		seg := samples[f*g.hop : f*g.hop+g.size]
		dst = append(dst, dsp.PowerDB(dsp.MeanSquare(seg), 1, powerFloor))
	}
	return dst
}

func (d *Detector) inBand(spec *dsp.Spectrum, window, frame []float64, rate int) bool {
	if d.cfg.CentroidMin <= 0 && d.cfg.CentroidMax <= 0 {
		return true
	}
	c := spec.Centroid(spec.Magnitudes(frame, window), rate)
	if d.cfg.CentroidMin > 0 && c < d.cfg.CentroidMin {
		return false
	}
	if d.cfg.CentroidMax > 0 && c > d.cfg.CentroidMax {
		return false
	}
	return true
}

// tracker merges active frames into episodes as they stream in.
type tracker struct {
	cfg       Config
	g         grid
	threshold float64
	duration  float64

	open        bool
	first, last int
	sumDB       float64
	count       int
}

// active records active frame f with energy e. When f starts a new run, the
// previous run is returned if it qualifies as an episode.
func (t *tracker) active(f int, e float64) (types.CryEpisode, bool) {
	var (
		ep types.CryEpisode
		ok bool
	)
	if t.open {
		gap := float64(f*t.g.hop-(t.last*t.g.hop+t.g.size)) / t.g.rate
		if gap < t.cfg.MaxGap {
			t.last = f
			t.sumDB += e
			t.count++
			return ep, false
		}
		ep, ok = t.flush()
	}
	t.open, t.first, t.last, t.sumDB, t.count = true, f, f, e, 1
	return ep, ok
}

// flush closes the open run.
func (t *tracker) flush() (types.CryEpisode, bool) {
	if !t.open {
		return types.CryEpisode{}, false
	}
	t.open = false

	start := float64(t.first*t.g.hop) / t.g.rate
	end := math.Min(float64(t.last*t.g.hop+t.g.size)/t.g.rate, t.duration)
	dur := end - start
	if dur < t.cfg.MinEpisodeDuration || dur <= 0 {
		return types.CryEpisode{}, false
	}

	meanDB := t.sumDB / float64(t.count)
	energyScore := dsp.Clamp01((meanDB - t.threshold) / t.cfg.ConfidenceRange)
	durationScore := dsp.Clamp01(dur / t.cfg.TypicalDuration)
	return types.CryEpisode{
		StartTime:  start,
		EndTime:    end,
		Duration:   dur,
		Confidence: dsp.Clamp01(0.6*energyScore + 0.4*durationScore),
	}, true
}
