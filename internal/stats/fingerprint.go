package stats

import "github.com/MrWong99/cryscope/pkg/types"

// FingerprintDim is the length of an episode fingerprint.
const FingerprintDim = 12

// fingerprintScale lists, per parameter mean, the value mapped to 1.
var fingerprintScale = []struct {
	param string
	scale float64
}{
	{types.ParamF0, 1000},
	{types.ParamF1, 5000},
	{types.ParamF2, 5000},
	{types.ParamF3, 8000},
	{types.ParamHNR, 40},
	{types.ParamJitter, 10},
	{types.ParamShimmer, 20},
	{types.ParamIntensity, 100},
}

// Fingerprint condenses an episode into a fixed-length vector of roughly
// unit-scaled features for nearest-neighbour search. Missing parameters
// contribute zeros.
func Fingerprint(st types.EpisodeStatistics, units types.EpisodeUnitsSummary) []float32 {
	v := make([]float32, 0, FingerprintDim)
	for _, fs := range fingerprintScale {
		v = append(v, float32(st.Parameters[fs.param].Mean/fs.scale))
	}
	v = append(v,
		float32(st.Parameters[types.ParamF0].Std/500),
		float32(units.CryCE),
		float32(units.UnvoicedCE),
		float32(min(st.Duration/10, 1)),
	)
	return v
}
