package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SavitzkyGolay returns the smoothing coefficients of a Savitzky-Golay filter
// with an odd window length and polynomial order < window. They are the first
// row of the least-squares projector (JᵀJ)⁻¹Jᵀ of the Vandermonde matrix J.
func SavitzkyGolay(window, order int) ([]float64, error) {
	if window < 3 || window%2 == 0 {
		return nil, fmt.Errorf("dsp: savitzky-golay window %d must be odd and ≥ 3", window)
	}
	if order < 0 || order >= window {
		return nil, fmt.Errorf("dsp: savitzky-golay order %d must be in [0, %d)", order, window)
	}

	half := window / 2
	j := mat.NewDense(window, order+1, nil)
	for i := range window {
		z := float64(i - half)
		p := 1.0
		for k := 0; k <= order; k++ {
			j.Set(i, k, p)
			p *= z
		}
	}
	var jtj mat.Dense
	jtj.Mul(j.T(), j)

	var proj mat.Dense
	if err := proj.Solve(&jtj, j.T()); err != nil {
		return nil, fmt.Errorf("dsp: savitzky-golay solve: %w", err)
	}
	return mat.Row(nil, 0, &proj), nil
}

// Smooth convolves x with the symmetric kernel coeffs, repeating the edge
// samples at both ends so the output has the same length as x.
func Smooth(x, coeffs []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	half := len(coeffs) / 2
	for i := range x {
		var acc float64
		for k, c := range coeffs {
			idx := max(0, min(i+k-half, len(x)-1))
			acc += c * x[idx]
		}
		out[i] = acc
	}
	return out
}
