// Package autocorr implements [estimator.Estimator] with classic
// time-domain voice analysis:
//
//   - F0 from the window-corrected normalised autocorrelation, searching lags
//     between the configured pitch ceiling and floor with an octave cost that
//     favours the shortest plausible period.
//   - HNR from the height r of the chosen autocorrelation peak as
//     10·log10(r / (1 − r)).
//   - Jitter and shimmer from glottal pulses picked one period apart in the
//     raw frame (local, relative, in percent).
//   - F1–F3 from peaks of the all-pole envelope of a pre-emphasised,
//     Hamming-windowed frame (autocorrelation LPC).
//
// All computation is deterministic. Scratch buffers are pooled per frame
// length, so one [Estimator] may be shared by any number of goroutines.
package autocorr

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/cryscope/internal/dsp"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
)

// Config tunes the estimator. Zero fields take the defaults from
// [DefaultConfig].
type Config struct {
	// PitchFloor and PitchCeiling bound the F0 search in Hz.
	PitchFloor   float64
	PitchCeiling float64

	// VoicingThreshold is the minimum normalised autocorrelation peak for a
	// frame to count as voiced.
	VoicingThreshold float64

	// SilenceThreshold is the minimum absolute peak amplitude for a frame to
	// be analysed at all.
	SilenceThreshold float64

	// OctaveCost favours higher F0 candidates, per octave.
	OctaveCost float64

	// MaxFormant is the upper search limit for formants in Hz. It is capped
	// just below the Nyquist frequency.
	MaxFormant float64

	// MinFormant is the lower search limit for formants in Hz.
	MinFormant float64

	// LPCOrder overrides the prediction order; 0 derives it from the sample
	// rate.
	LPCOrder int

	// MaxPeriodFactor and MaxAmplitudeFactor reject consecutive periods or
	// amplitudes that differ by more than this ratio from perturbation
	// measures.
	MaxPeriodFactor    float64
	MaxAmplitudeFactor float64

	// MinPeriods is the number of consecutive periods needed for jitter and
	// shimmer.
	MinPeriods int
}

// DefaultConfig returns settings suited to infant cries.
func DefaultConfig() Config {
	return Config{
		PitchFloor:         250,
		PitchCeiling:       2000,
		VoicingThreshold:   0.45,
		SilenceThreshold:   0.003,
		OctaveCost:         0.01,
		MaxFormant:         8000,
		MinFormant:         150,
		MaxPeriodFactor:    1.3,
		MaxAmplitudeFactor: 1.6,
		MinPeriods:         3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PitchFloor <= 0 {
		c.PitchFloor = d.PitchFloor
	}
	if c.PitchCeiling <= 0 {
		c.PitchCeiling = d.PitchCeiling
	}
	if c.VoicingThreshold <= 0 {
		c.VoicingThreshold = d.VoicingThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.OctaveCost <= 0 {
		c.OctaveCost = d.OctaveCost
	}
	if c.MaxFormant <= 0 {
		c.MaxFormant = d.MaxFormant
	}
	if c.MinFormant <= 0 {
		c.MinFormant = d.MinFormant
	}
	if c.MaxPeriodFactor <= 1 {
		c.MaxPeriodFactor = d.MaxPeriodFactor
	}
	if c.MaxAmplitudeFactor <= 1 {
		c.MaxAmplitudeFactor = d.MaxAmplitudeFactor
	}
	if c.MinPeriods < 2 {
		c.MinPeriods = d.MinPeriods
	}
	return c
}

// Estimator is the autocorrelation/LPC estimator.
type Estimator struct {
	cfg   Config
	pools sync.Map // frame length → *sync.Pool of *workspace
}

var _ estimator.Estimator = (*Estimator)(nil)

// New returns an Estimator. It fails when the pitch range is inverted.
func New(cfg Config) (*Estimator, error) {
	cfg = cfg.withDefaults()
	if cfg.PitchFloor >= cfg.PitchCeiling {
		return nil, fmt.Errorf("autocorr: pitch floor %g Hz must be below ceiling %g Hz",
			cfg.PitchFloor, cfg.PitchCeiling)
	}
	if cfg.VoicingThreshold >= 1 {
		return nil, fmt.Errorf("autocorr: voicing threshold %g must be below 1", cfg.VoicingThreshold)
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Estimate implements [estimator.Estimator].
func (e *Estimator) Estimate(frame []float64, sampleRate int) (estimator.Estimate, error) {
	if sampleRate <= 0 {
		return estimator.Estimate{}, fmt.Errorf("autocorr: invalid sample rate %d", sampleRate)
	}
	rate := float64(sampleRate)
	minLag := max(2, int(math.Floor(rate/e.cfg.PitchCeiling)))
	maxLag := int(math.Ceil(rate / e.cfg.PitchFloor))
	n := len(frame)
	if n < 2*maxLag {
		return estimator.Estimate{}, fmt.Errorf("%w: %d samples, need %d",
			estimator.ErrFrameTooShort, n, 2*maxLag)
	}

	var peak float64
	for _, v := range frame {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak < e.cfg.SilenceThreshold {
		return estimator.Estimate{}, nil
	}

	ws := e.acquire(n)
	defer e.release(n, ws)

	centred := dsp.RemoveDC(ws.centred, frame)
	lag, strength, ok := e.pitch(ws, centred, rate, minLag, maxLag)
	if !ok {
		return estimator.Estimate{}, nil
	}

	f0 := rate / lag
	est := estimator.Estimate{F0: &f0}

	r := math.Min(strength, 1-1e-6)
	if r > 0 {
		hnr := 10 * math.Log10(r/(1-r))
		est.HNR = &hnr
	}

	est.Jitter, est.Shimmer = e.perturbation(centred, lag)
	est.Formants = e.formants(ws, centred, sampleRate)
	return est, nil
}

// pitch returns the best period in (fractional) samples and its normalised
// autocorrelation strength.
func (e *Estimator) pitch(ws *workspace, x []float64, rate float64, minLag, maxLag int) (lag, strength float64, ok bool) {
	for i, v := range x {
		ws.windowed[i] = v * ws.hann[i]
	}
	r := ws.corr.Autocorrelation(ws.windowed, maxLag+1)
	if r[0] <= 0 {
		return 0, 0, false
	}

	// Normalise and divide out the window's own autocorrelation.
	norm := ws.norm[:len(r)]
	for i := range r {
		norm[i] = (r[i] / r[0]) / ws.hannAC[i]
	}

	bestScore := math.Inf(-1)
	for i := minLag; i <= maxLag && i < len(norm)-1; i++ {
		if norm[i] < norm[i-1] || norm[i] < norm[i+1] {
			continue
		}
		off, val := dsp.ParabolicPeak(norm, i)
		if val < e.cfg.VoicingThreshold {
			continue
		}
		tau := float64(i) + off
		score := val - e.cfg.OctaveCost*math.Log2(e.cfg.PitchFloor*tau/rate)
		if score > bestScore {
			bestScore, lag, strength, ok = score, tau, val, true
		}
	}
	return lag, strength, ok
}

// perturbation picks one positive pulse per period and measures local jitter
// and shimmer over consecutive pulses.
func (e *Estimator) perturbation(x []float64, period float64) (jitter, shimmer *float64) {
	times, amps := pulses(x, period)
	if len(times) < e.cfg.MinPeriods+1 {
		return nil, nil
	}

	periods := make([]float64, len(times)-1)
	for i := range periods {
		periods[i] = times[i+1] - times[i]
	}

	var diffSum, periodSum float64
	var pairs int
	for i := 0; i+1 < len(periods); i++ {
		a, b := periods[i], periods[i+1]
		if math.Max(a, b)/math.Min(a, b) > e.cfg.MaxPeriodFactor {
			continue
		}
		diffSum += math.Abs(a - b)
		periodSum += (a + b) / 2
		pairs++
	}
	if pairs >= e.cfg.MinPeriods-1 && periodSum > 0 {
		j := 100 * diffSum / periodSum
		jitter = &j
	}

	diffSum, pairs = 0, 0
	var ampSum float64
	for i := 0; i+1 < len(amps); i++ {
		a, b := amps[i], amps[i+1]
		if a <= 0 || b <= 0 || math.Max(a, b)/math.Min(a, b) > e.cfg.MaxAmplitudeFactor {
			continue
		}
		diffSum += math.Abs(a - b)
		ampSum += (a + b) / 2
		pairs++
	}
	if pairs >= e.cfg.MinPeriods-1 && ampSum > 0 {
		s := 100 * diffSum / ampSum
		shimmer = &s
	}
	return jitter, shimmer
}

// pulses returns the fractional positions and amplitudes of successive
// waveform maxima spaced roughly one period apart.
func pulses(x []float64, period float64) (times, amps []float64) {
	first := argmax(x, 0, int(math.Ceil(period)))
	if first < 0 {
		return nil, nil
	}
	pos := float64(first)
	for {
		i := int(math.Round(pos))
		off, val := dsp.ParabolicPeak(x, i)
		times = append(times, float64(i)+off)
		amps = append(amps, val)

		lo := i + int(math.Floor(0.8*period))
		hi := i + int(math.Ceil(1.25*period))
		if hi >= len(x) {
			return times, amps
		}
		next := argmax(x, lo, hi+1)
		if next < 0 {
			return times, amps
		}
		pos = float64(next)
	}
}

func argmax(x []float64, lo, hi int) int {
	lo, hi = max(0, lo), min(len(x), hi)
	best := -1
	for i := lo; i < hi; i++ {
		if best < 0 || x[i] > x[best] {
			best = i
		}
	}
	return best
}

// formants returns up to three envelope peaks between MinFormant and
// MaxFormant.
func (e *Estimator) formants(ws *workspace, x []float64, sampleRate int) (out [3]*float64) {
	rate := float64(sampleRate)
	alpha := math.Exp(-2 * math.Pi * 50 / rate)
	pre := dsp.PreEmphasis(ws.pre, x, alpha)
	for i := range pre {
		pre[i] *= ws.hamming[i]
	}

	order := e.cfg.LPCOrder
	if order <= 0 {
		order = max(10, min(24, 2+sampleRate/1000))
	}
	a, _, ok := dsp.LPC(pre, order)
	if !ok {
		return out
	}

	env := ws.spec.Envelope(a)
	ceiling := math.Min(e.cfg.MaxFormant, rate/2-50)
	k := 0
	for _, i := range dsp.LocalMaxima(env) {
		off, _ := dsp.ParabolicPeak(env, i)
		f := (float64(i) + off) * rate / float64(ws.spec.Size())
		if f < e.cfg.MinFormant {
			continue
		}
		if f > ceiling || k == len(out) {
			break
		}
		out[k] = &f
		k++
	}
	return out
}

// workspace holds per-length scratch buffers and precomputed windows.
type workspace struct {
	corr     *dsp.Correlator
	spec     *dsp.Spectrum
	hann     []float64
	hannAC   []float64
	hamming  []float64
	centred  []float64
	windowed []float64
	pre      []float64
	norm     []float64
}

func newWorkspace(n int) *workspace {
	ws := &workspace{
		corr:     dsp.NewCorrelator(n),
		spec:     dsp.NewSpectrum(max(1024, dsp.NextPow2(n))),
		hann:     dsp.Hann(n),
		hamming:  dsp.Hamming(n),
		centred:  make([]float64, n),
		windowed: make([]float64, n),
		pre:      make([]float64, n),
		norm:     make([]float64, n),
	}
	ac := dsp.Autocorrelate(ws.hann, n-1)
	ws.hannAC = make([]float64, n)
	for i := range ac {
		// The window autocorrelation vanishes at the far end; keep the
		// normalisation finite there.
		ws.hannAC[i] = math.Max(ac[i]/ac[0], 1e-6)
	}
	return ws
}

func (e *Estimator) acquire(n int) *workspace {
	p, _ := e.pools.LoadOrStore(n, &sync.Pool{New: func() any { return newWorkspace(n) }})
	return p.(*sync.Pool).Get().(*workspace)
}

func (e *Estimator) release(n int, ws *workspace) {
	if p, ok := e.pools.Load(n); ok {
		p.(*sync.Pool).Put(ws)
	}
}
