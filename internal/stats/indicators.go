package stats

import "github.com/MrWong99/cryscope/pkg/types"

// IndicatorConfig holds the thresholds behind [Indicators].
type IndicatorConfig struct {
	// HighPitchThreshold is the F0 in Hz above which a voiced frame counts as
	// high-pitched.
	HighPitchThreshold float64

	// HyperPhonationHNR, HyperPhonationShimmer and HyperPhonationJitter
	// define hyper-phonation: HNR (dB) below the first while shimmer and
	// jitter (percent) exceed the others.
	HyperPhonationHNR     float64
	HyperPhonationShimmer float64
	HyperPhonationJitter  float64
}

// DefaultIndicatorConfig returns the customary thresholds.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		HighPitchThreshold:    500,
		HyperPhonationHNR:     10,
		HyperPhonationShimmer: 5,
		HyperPhonationJitter:  1,
	}
}

// Indicators computes the indicator shares of one episode. High-pitch and
// hyper-phonation shares are relative to voiced frames; voiced and unvoiced
// shares are relative to all frames.
func Indicators(frames []types.AcousticFrame, cfg IndicatorConfig) types.Indicators {
	var voiced, high, hyper int
	for _, f := range frames {
		if !f.Voiced() {
			continue
		}
		voiced++
		if *f.F0 > cfg.HighPitchThreshold {
			high++
		}
		if f.HNR != nil && f.Shimmer != nil && f.Jitter != nil &&
			*f.HNR < cfg.HyperPhonationHNR &&
			*f.Shimmer > cfg.HyperPhonationShimmer &&
			*f.Jitter > cfg.HyperPhonationJitter {
			hyper++
		}
	}

	var out types.Indicators
	if len(frames) > 0 {
		out.VoicedPct = pct(voiced, len(frames))
		out.UnvoicedPct = 100 - out.VoicedPct
	}
	if voiced > 0 {
		out.HighPitchPct = pct(high, voiced)
		out.HyperPhonationPct = pct(hyper, voiced)
	}
	return out
}

func pct(n, of int) float64 {
	return 100 * float64(n) / float64(of)
}
