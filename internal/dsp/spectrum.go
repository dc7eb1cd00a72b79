package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum computes magnitude spectra of fixed-size frames with a reusable
// real FFT plan.
type Spectrum struct {
	fft    *fourier.FFT
	buf    []float64
	coeffs []complex128
	mags   []float64
}

// NewSpectrum returns a spectrum calculator for frames of n samples.
func NewSpectrum(n int) *Spectrum {
	return &Spectrum{
		fft:    fourier.NewFFT(n),
		buf:    make([]float64, n),
		coeffs: make([]complex128, n/2+1),
		mags:   make([]float64, n/2+1),
	}
}

// Size returns the FFT length.
func (s *Spectrum) Size() int { return len(s.buf) }

// Magnitudes returns |X(k)| for k = 0..n/2 of x multiplied by window (when
// non-nil). x is zero-padded or truncated to the FFT length. The returned
// slice is reused by the next call.
func (s *Spectrum) Magnitudes(x, window []float64) []float64 {
	clear(s.buf)
	n := min(len(x), len(s.buf))
	for i := range n {
		v := x[i]
		if window != nil && i < len(window) {
			v *= window[i]
		}
		s.buf[i] = v
	}
	s.fft.Coefficients(s.coeffs, s.buf)
	for k, c := range s.coeffs {
		s.mags[k] = cmplx.Abs(c)
	}
	return s.mags
}

// BinFrequency returns the centre frequency in Hz of bin k.
func (s *Spectrum) BinFrequency(k, sampleRate int) float64 {
	return s.fft.Freq(k) * float64(sampleRate)
}

// Centroid returns the magnitude-weighted mean frequency of mags in Hz, or 0
// when the spectrum carries no energy.
func (s *Spectrum) Centroid(mags []float64, sampleRate int) float64 {
	var num, den float64
	for k, m := range mags {
		num += s.BinFrequency(k, sampleRate) * m
		den += m
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Correlator computes autocorrelations via the Wiener-Khinchin theorem.
type Correlator struct {
	fft    *fourier.FFT
	buf    []float64
	coeffs []complex128
	out    []float64
}

// NewCorrelator returns a correlator for inputs of up to n samples. The FFT
// is sized to avoid circular wrap-around.
func NewCorrelator(n int) *Correlator {
	size := NextPow2(2 * n)
	return &Correlator{
		fft:    fourier.NewFFT(size),
		buf:    make([]float64, size),
		coeffs: make([]complex128, size/2+1),
		out:    make([]float64, size),
	}
}

// Autocorrelation returns r(τ) = Σ x[i]·x[i+τ] for τ = 0..maxLag. The result
// is reused by the next call.
func (c *Correlator) Autocorrelation(x []float64, maxLag int) []float64 {
	clear(c.buf)
	copy(c.buf, x)
	c.fft.Coefficients(c.coeffs, c.buf)
	for k, v := range c.coeffs {
		p := real(v)*real(v) + imag(v)*imag(v)
		c.coeffs[k] = complex(p, 0)
	}
	c.fft.Sequence(c.out, c.coeffs)
	maxLag = min(maxLag, len(x)-1, len(c.out)-1)
	scale := 1 / float64(len(c.out))
	r := c.out[:maxLag+1]
	for i := range r {
		r[i] *= scale
	}
	return r
}

// Autocorrelate computes r(τ) for τ = 0..maxLag directly. It is meant for
// short inputs and low orders such as linear prediction.
func Autocorrelate(x []float64, maxLag int) []float64 {
	r := make([]float64, maxLag+1)
	for lag := 0; lag <= maxLag && lag < len(x); lag++ {
		var sum float64
		for i := lag; i < len(x); i++ {
			sum += x[i] * x[i-lag]
		}
		r[lag] = sum
	}
	return r
}

// magnitudeDB converts an amplitude to dB with a floor.
func magnitudeDB(v float64) float64 {
	return 20 * math.Log10(math.Max(v, 1e-12))
}
