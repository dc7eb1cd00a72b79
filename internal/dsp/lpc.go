package dsp

// LPC estimates linear prediction coefficients of the given order with the
// autocorrelation method and the Levinson-Durbin recursion. The returned
// polynomial has a[0] = 1 so that the prediction error filter is
// A(z) = Σ a[k]·z^-k. ok is false for silent input or a numerically unstable
// recursion.
func LPC(x []float64, order int) (a []float64, predErr float64, ok bool) {
	if order < 1 || len(x) <= order {
		return nil, 0, false
	}
	r := Autocorrelate(x, order)
	if r[0] <= 0 {
		return nil, 0, false
	}

	a = make([]float64, order+1)
	prev := make([]float64, order+1)
	a[0] = 1
	predErr = r[0]
	for i := 1; i <= order; i++ {
		acc := r[i]
		for j := 1; j < i; j++ {
			acc += a[j] * r[i-j]
		}
		k := -acc / predErr
		copy(prev, a)
		for j := 1; j < i; j++ {
			a[j] = prev[j] + k*prev[i-j]
		}
		a[i] = k
		predErr *= 1 - k*k
		if predErr <= 0 {
			return nil, 0, false
		}
	}
	return a, predErr, true
}

// PreEmphasis applies y[n] = x[n] - alpha·x[n-1] into dst (allocated when
// nil).
func PreEmphasis(dst, x []float64, alpha float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	var prev float64
	for i, v := range x {
		dst[i] = v - alpha*prev
		prev = v
	}
	return dst
}

// Envelope evaluates the all-pole spectral envelope 1/|A(e^jω)| of the
// prediction polynomial a on the spectrum's frequency grid, in dB.
func (s *Spectrum) Envelope(a []float64) []float64 {
	mags := s.Magnitudes(a, nil)
	env := make([]float64, len(mags))
	for k, m := range mags {
		env[k] = -magnitudeDB(m)
	}
	return env
}

// LocalMaxima returns the indices of strict interior local maxima of y in
// ascending order.
func LocalMaxima(y []float64) []int {
	var idx []int
	for i := 1; i < len(y)-1; i++ {
		if y[i] > y[i-1] && y[i] >= y[i+1] {
			idx = append(idx, i)
		}
	}
	return idx
}
