package dsp

import "math"

// Histogram accumulates values into fixed-width bins over [Lo, Hi] so that
// quantiles of arbitrarily long streams can be estimated in constant memory.
// Values outside the range are counted in the edge bins.
type Histogram struct {
	lo, width float64
	counts    []int
	total     int
}

// NewHistogram returns a histogram with bins of the given width over [lo, hi].
func NewHistogram(lo, hi, width float64) *Histogram {
	n := max(1, int(math.Ceil((hi-lo)/width)))
	return &Histogram{lo: lo, width: width, counts: make([]int, n)}
}

// Add records v.
func (h *Histogram) Add(v float64) {
	i := int((v - h.lo) / h.width)
	i = max(0, min(i, len(h.counts)-1))
	h.counts[i]++
	h.total++
}

// Count returns the number of recorded values.
func (h *Histogram) Count() int { return h.total }

// Quantile returns the value below which a fraction q ∈ [0, 1] of the
// recorded values fall, interpolated within the containing bin. It returns
// NaN when the histogram is empty.
func (h *Histogram) Quantile(q float64) float64 {
	if h.total == 0 {
		return math.NaN()
	}
	q = math.Max(0, math.Min(1, q))
	target := q * float64(h.total)
	var cum float64
	for i, c := range h.counts {
		if c == 0 {
			continue
		}
		if cum+float64(c) >= target {
			frac := (target - cum) / float64(c)
			return h.lo + (float64(i)+frac)*h.width
		}
		cum += float64(c)
	}
	return h.lo + float64(len(h.counts))*h.width
}
