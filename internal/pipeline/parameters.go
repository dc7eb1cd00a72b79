package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/cryscope/pkg/audio"
)

// Parameters are per-request overrides of the configured analysis settings.
// Nil fields keep the configured value.
type Parameters struct {
	// MinCryDuration is the shortest episode kept, in seconds.
	MinCryDuration *float64 `json:"min_cry_duration,omitempty"`

	// EnergyThreshold is the absolute RMS floor below which no frame counts
	// as crying, whatever the noise floor.
	EnergyThreshold *float64 `json:"energy_threshold,omitempty"`

	// HighPitchThreshold is the F0 in Hz above which a voiced frame counts
	// towards the high-pitch indicator.
	HighPitchThreshold *float64 `json:"high_pitch_threshold,omitempty"`

	// HyperPhonationThreshold is the HNR in dB below which a voiced frame
	// may count towards the hyper-phonation indicator.
	HyperPhonationThreshold *float64 `json:"hyper_phonation_threshold,omitempty"`
}

// Accepted ranges of [Parameters].
var (
	MinCryDurationRange          = [2]float64{0.1, 5}
	EnergyThresholdRange         = [2]float64{0.001, 0.1}
	HighPitchThresholdRange      = [2]float64{100, 2000}
	HyperPhonationThresholdRange = [2]float64{0, 40}
)

// Validate reports every out-of-range field. The error wraps
// [audio.ErrInvalidInput] so a run with bad parameters fails as invalid input.
func (p Parameters) Validate() error {
	var errs []error
	check := func(name string, v *float64, r [2]float64) {
		if v != nil && (*v < r[0] || *v > r[1]) {
			errs = append(errs, fmt.Errorf("%s %g outside [%g, %g]", name, *v, r[0], r[1]))
		}
	}
	check("min_cry_duration", p.MinCryDuration, MinCryDurationRange)
	check("energy_threshold", p.EnergyThreshold, EnergyThresholdRange)
	check("high_pitch_threshold", p.HighPitchThreshold, HighPitchThresholdRange)
	check("hyper_phonation_threshold", p.HyperPhonationThreshold, HyperPhonationThresholdRange)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: parameters: %w", audio.ErrInvalidInput, err)
	}
	return nil
}

// IsZero reports whether p overrides nothing.
func (p Parameters) IsZero() bool {
	return p == Parameters{}
}

// apply returns cfg with the overrides of p.
func (p Parameters) apply(cfg Config) Config {
	if p.MinCryDuration != nil {
		cfg.Detect.MinEpisodeDuration = *p.MinCryDuration
	}
	if p.EnergyThreshold != nil {
		cfg.Detect.AbsoluteFloor = *p.EnergyThreshold
	}
	if p.HighPitchThreshold != nil {
		cfg.Indicators.HighPitchThreshold = *p.HighPitchThreshold
	}
	if p.HyperPhonationThreshold != nil {
		cfg.Indicators.HyperPhonationHNR = *p.HyperPhonationThreshold
	}
	return cfg
}
