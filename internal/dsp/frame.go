// Package dsp holds the numeric kernels shared by the analysis stages:
// framing, energy, windows, FFT spectra, autocorrelation, linear prediction,
// smoothing and streaming percentiles.
//
// Nothing in this package allocates global state. Types that keep scratch
// buffers ([Spectrum], [Correlator]) are not safe for concurrent use; create
// one per goroutine.
package dsp

import "math"

// SamplesFor converts a duration in seconds to a sample count at rate,
// rounding to the nearest sample and never returning less than one.
func SamplesFor(seconds float64, rate int) int {
	return max(1, int(math.Round(seconds*float64(rate))))
}

// FrameCount returns how many whole frames of length size fit into n samples
// when advancing by hop. Inputs shorter than one frame yield zero.
func FrameCount(n, size, hop int) int {
	if size <= 0 || hop <= 0 || n < size {
		return 0
	}
	return 1 + (n-size)/hop
}

// MeanSquare returns the mean of x². It returns 0 for an empty slice.
func MeanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

// RMS returns the root mean square of x.
func RMS(x []float64) float64 {
	return math.Sqrt(MeanSquare(x))
}

// PowerDB converts a power value to decibels relative to ref, flooring the
// power at floor so that silence maps to a finite number.
func PowerDB(power, ref, floor float64) float64 {
	return 10 * math.Log10(math.Max(power, floor)/ref)
}

// Hann returns a symmetric Hann window of length n.
func Hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// Hamming returns a symmetric Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// RemoveDC writes x minus its mean into dst (allocated when nil) and returns
// it.
func RemoveDC(dst, x []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	var mean float64
	for _, v := range x {
		mean += v
	}
	if len(x) > 0 {
		mean /= float64(len(x))
	}
	for i, v := range x {
		dst[i] = v - mean
	}
	return dst
}

// ParabolicPeak refines the local maximum of y at index i by fitting a
// parabola through its neighbours. It returns the fractional offset in
// [-0.5, 0.5] and the interpolated peak value.
func ParabolicPeak(y []float64, i int) (offset, value float64) {
	if i <= 0 || i >= len(y)-1 {
		return 0, y[i]
	}
	a, b, c := y[i-1], y[i], y[i+1]
	den := a - 2*b + c
	if den == 0 {
		return 0, b
	}
	offset = 0.5 * (a - c) / den
	offset = math.Max(-0.5, math.Min(0.5, offset))
	return offset, b - 0.25*(a-c)*offset
}

// NextPow2 returns the smallest power of two ≥ n.
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if !(v > 0) {
		return 0
	}
	return math.Min(v, 1)
}
