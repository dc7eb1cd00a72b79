// Package stats reduces per-frame acoustic series to per-episode summaries:
// descriptive statistics per parameter, clinical indicator shares and a
// fixed-length fingerprint for similarity search.
//
// Everything here is a pure function of its arguments.
package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/MrWong99/cryscope/pkg/types"
)

// Summarize computes statistics for every parameter in [types.Parameters]
// over the non-null values of frames. Parameters without values are omitted.
func Summarize(ep types.CryEpisode, frames []types.AcousticFrame) types.EpisodeStatistics {
	out := types.EpisodeStatistics{
		Parameters: make(map[string]types.ParameterStatistics, len(types.Parameters)),
		Duration:   ep.Duration,
		NumFrames:  len(frames),
	}
	values := make([]float64, 0, len(frames))
	for _, param := range types.Parameters {
		values = values[:0]
		for _, f := range frames {
			if v, ok := f.Value(param); ok {
				values = append(values, v)
			}
		}
		if ps, ok := Describe(values); ok {
			out.Parameters[param] = ps
		}
	}
	return out
}

// Describe returns mean, population standard deviation, min, max and median
// of values. ok is false for an empty slice. values is not modified.
func Describe(values []float64) (ps types.ParameterStatistics, ok bool) {
	if len(values) == 0 {
		return ps, false
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	ps.Min = floats.Min(values)
	ps.Max = floats.Max(values)
	// Summation rounding must not push the mean outside the sample range.
	ps.Mean = math.Max(ps.Min, math.Min(mean, ps.Max))
	ps.Std = math.Sqrt(math.Max(variance, 0))
	ps.Median = Median(values)
	return ps, true
}

// Median returns the order-statistic median of values, averaging the two
// middle elements for even counts. It returns NaN for an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
