// Package types defines the result value types shared by the analysis
// pipeline, the persistence layer and the HTTP surface.
//
// Every value here is created fresh for one analysis run and never edited
// afterwards. A re-run produces a new [AnalysisResult] that replaces the
// previous one at the store boundary. Times are seconds relative to the start
// of the analysed waveform; conversion to wall-clock time happens only at the
// presentation boundary (see [AbsoluteTime]).
package types

import (
	"encoding/json"
	"fmt"
)

// CryEpisode is a contiguous span of the recording identified as crying.
//
// Invariant: 0 ≤ StartTime < EndTime ≤ waveform duration and
// Confidence ∈ [0, 1]. Episodes of one analysis are time-ordered and never
// overlap.
type CryEpisode struct {
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

// AcousticFrame holds the acoustic measures of one fixed-hop frame inside an
// episode. Nil pointer fields mean the measure could not be estimated for the
// frame and serialise as JSON null. Intensity is always present.
type AcousticFrame struct {
	Time float64 `json:"time"`

	// F0 is the fundamental frequency in Hz.
	F0 *float64 `json:"f0"`

	// F1, F2 and F3 are the first three formant frequencies in Hz.
	F1 *float64 `json:"f1"`
	F2 *float64 `json:"f2"`
	F3 *float64 `json:"f3"`

	// HNR is the harmonic-to-noise ratio in dB.
	HNR *float64 `json:"hnr"`

	// Shimmer and Jitter are local cycle-to-cycle perturbations in percent.
	Shimmer *float64 `json:"shimmer"`
	Jitter  *float64 `json:"jitter"`

	// Intensity is the frame energy in dB.
	Intensity float64 `json:"intensity"`
}

// Parameter names in the order they are reported.
const (
	ParamF0        = "f0"
	ParamF1        = "f1"
	ParamF2        = "f2"
	ParamF3        = "f3"
	ParamHNR       = "hnr"
	ParamJitter    = "jitter"
	ParamShimmer   = "shimmer"
	ParamIntensity = "intensity"
)

// Parameters lists every numeric frame parameter summarised per episode.
var Parameters = []string{
	ParamF0, ParamF1, ParamF2, ParamF3,
	ParamHNR, ParamJitter, ParamShimmer, ParamIntensity,
}

// Value returns the named parameter of f and whether it is present.
func (f AcousticFrame) Value(param string) (float64, bool) {
	var p *float64
	switch param {
	case ParamF0:
		p = f.F0
	case ParamF1:
		p = f.F1
	case ParamF2:
		p = f.F2
	case ParamF3:
		p = f.F3
	case ParamHNR:
		p = f.HNR
	case ParamJitter:
		p = f.Jitter
	case ParamShimmer:
		p = f.Shimmer
	case ParamIntensity:
		return f.Intensity, true
	default:
		return 0, false
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Voiced reports whether a fundamental frequency was detected for the frame.
func (f AcousticFrame) Voiced() bool { return f.F0 != nil }

// CryUnit is an elementary voiced or unvoiced sub-segment of an episode.
type CryUnit struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
	IsVoiced  bool    `json:"is_voiced"`

	// MeanEnergy is the mean frame intensity over the unit in dB.
	MeanEnergy float64 `json:"mean_energy"`

	// PeakFrequency is the dominant spectral peak of the unit in Hz, or 0
	// when the unit carries no energy.
	PeakFrequency float64 `json:"peak_frequency"`

	// Silent marks an unvoiced unit whose energy fell below the silence
	// threshold, such as an inspiratory pause. It counts towards UnvoicedCE
	// like every other unvoiced unit.
	Silent bool `json:"-"`
}

// EpisodeUnitsSummary is the unit segmentation of one episode. Units tile the
// episode exactly: the first starts at the episode start, each unit ends where
// the next begins and the last ends at the episode end.
type EpisodeUnitsSummary struct {
	Units     []CryUnit `json:"units"`
	UnitCount int       `json:"unit_count"`

	// CryCE is the voiced share of the episode duration.
	CryCE float64 `json:"cryCE"`

	// UnvoicedCE is the unvoiced, non-silent share of the episode duration.
	UnvoicedCE float64 `json:"unvoicedCE"`
}

// ParameterStatistics summarises the non-null values of one parameter within
// one episode.
type ParameterStatistics struct {
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// EpisodeStatistics holds the per-parameter statistics of one episode plus
// the episode-level scalars. Parameters without any value are absent from the
// map. It serialises as one flat JSON object:
//
//	{"f0": {...}, "intensity": {...}, "duration": 3.5, "num_frames": 351}
type EpisodeStatistics struct {
	Parameters map[string]ParameterStatistics
	Duration   float64
	NumFrames  int
}

const (
	keyDuration  = "duration"
	keyNumFrames = "num_frames"
)

// MarshalJSON implements [json.Marshaler].
func (s EpisodeStatistics) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Parameters)+2)
	for name, ps := range s.Parameters {
		m[name] = ps
	}
	m[keyDuration] = s.Duration
	m[keyNumFrames] = s.NumFrames
	return json.Marshal(m)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *EpisodeStatistics) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := EpisodeStatistics{Parameters: make(map[string]ParameterStatistics)}
	for key, val := range raw {
		switch key {
		case keyDuration:
			if err := json.Unmarshal(val, &out.Duration); err != nil {
				return fmt.Errorf("types: statistics %s: %w", key, err)
			}
		case keyNumFrames:
			if err := json.Unmarshal(val, &out.NumFrames); err != nil {
				return fmt.Errorf("types: statistics %s: %w", key, err)
			}
		default:
			var ps ParameterStatistics
			if err := json.Unmarshal(val, &ps); err != nil {
				return fmt.Errorf("types: statistics %s: %w", key, err)
			}
			out.Parameters[key] = ps
		}
	}
	*s = out
	return nil
}

// Indicators are clinically motivated shares computed per episode. All values
// are percentages in [0, 100].
type Indicators struct {
	// HighPitchPct is the share of voiced frames whose F0 exceeds the
	// high-pitch threshold.
	HighPitchPct float64 `json:"high_pitch_pct"`

	// HyperPhonationPct is the share of voiced frames showing low HNR together
	// with elevated shimmer and jitter.
	HyperPhonationPct float64 `json:"hyper_phonation_pct"`

	VoicedPct   float64 `json:"voiced_pct"`
	UnvoicedPct float64 `json:"unvoiced_pct"`
}

// AnalysisResult is the aggregate root of one successful analysis run. The
// maps are keyed by [EpisodeKey]; CryEpisodes keeps episode order.
type AnalysisResult struct {
	CryEpisodes      []CryEpisode                   `json:"cry_episodes"`
	AcousticFeatures map[string][]AcousticFrame     `json:"acoustic_features"`
	Statistics       map[string]EpisodeStatistics   `json:"statistics"`
	CryUnits         map[string]EpisodeUnitsSummary `json:"cry_units"`

	// Indicators is only populated when indicator reporting is enabled.
	Indicators map[string]Indicators `json:"indicators,omitempty"`
}

// NewAnalysisResult returns an empty result whose collections serialise as
// [] and {} rather than null.
func NewAnalysisResult() *AnalysisResult {
	return &AnalysisResult{
		CryEpisodes:      []CryEpisode{},
		AcousticFeatures: map[string][]AcousticFrame{},
		Statistics:       map[string]EpisodeStatistics{},
		CryUnits:         map[string]EpisodeUnitsSummary{},
	}
}

// EpisodeKey returns the map key of the i-th episode ("episode_0", …).
func EpisodeKey(i int) string {
	return fmt.Sprintf("episode_%d", i)
}

// Float returns a pointer to v. It is the idiomatic way to fill nullable
// frame fields.
func Float(v float64) *float64 { return &v }
