// Package config provides the configuration schema, loader, estimator
// registry and hot-reload watcher for cryscope.
package config

import (
	"time"

	"github.com/MrWong99/cryscope/internal/acoustic"
	"github.com/MrWong99/cryscope/internal/cryunit"
	"github.com/MrWong99/cryscope/internal/detect"
	"github.com/MrWong99/cryscope/internal/jobs"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/resilience"
	"github.com/MrWong99/cryscope/internal/stats"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects where statuses and results are kept.
type StorageBackend string

const (
	// StorageMemory keeps everything in process memory.
	StorageMemory StorageBackend = "memory"

	// StoragePostgres uses PostgreSQL, optionally with pgvector.
	StoragePostgres StorageBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageMemory || b == StoragePostgres
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Keys absent from the file keep the values of [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// DataDir, when set, is the directory submitted recording paths are
	// resolved in. Paths outside it are rejected.
	DataDir string `yaml:"data_dir"`

	// AllowedOrigins lists host patterns of browser origins allowed to open
	// the progress websocket from another origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AnalysisConfig holds the settings of every analysis stage. The whole
// section is hot-reloadable; changes apply to runs started afterwards.
type AnalysisConfig struct {
	// Workers bounds how many episodes of one recording are analysed at
	// once. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`

	Detector   DetectorConfig   `yaml:"detector"`
	Acoustic   AcousticConfig   `yaml:"acoustic"`
	Units      UnitsConfig      `yaml:"units"`
	Indicators IndicatorsConfig `yaml:"indicators"`
}

// DetectorConfig configures cry episode detection. Durations are seconds.
type DetectorConfig struct {
	FrameLength float64 `yaml:"frame_length"`
	HopLength   float64 `yaml:"hop_length"`

	// NoisePercentile is the fraction of frames, by energy, taken as noise.
	NoisePercentile float64 `yaml:"noise_percentile"`

	// PeakPercentile is the fraction of frames, by energy, below the loud
	// level. The threshold stays threshold_margin below that level.
	PeakPercentile float64 `yaml:"peak_percentile"`

	// ThresholdMargin is the dB distance above the noise floor.
	ThresholdMargin float64 `yaml:"threshold_margin"`

	// EnergyThreshold is the absolute RMS floor.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// CentroidMin and CentroidMax bound the spectral centroid of active
	// frames in Hz. Zero disables a bound.
	CentroidMin float64 `yaml:"centroid_min"`
	CentroidMax float64 `yaml:"centroid_max"`

	MinCryDuration  float64 `yaml:"min_cry_duration"`
	MaxGap          float64 `yaml:"max_gap"`
	TypicalDuration float64 `yaml:"typical_duration"`
	ConfidenceRange float64 `yaml:"confidence_range"`
	ChunkDuration   float64 `yaml:"chunk_duration"`
}

// AcousticConfig configures frame analysis and the estimator backends.
type AcousticConfig struct {
	// Estimator names the registered frame estimator. Default: autocorr.
	Estimator string `yaml:"estimator"`

	// Fallback optionally names a second estimator used while the primary
	// keeps failing.
	Fallback string `yaml:"fallback"`

	// Breaker guards each estimator backend when Fallback is set.
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`

	TimeStep     float64 `yaml:"time_step"`
	WindowLength float64 `yaml:"window_length"`

	// PitchFloor and PitchCeiling bound the F0 search in Hz.
	PitchFloor   float64 `yaml:"pitch_floor"`
	PitchCeiling float64 `yaml:"pitch_ceiling"`

	VoicingThreshold float64 `yaml:"voicing_threshold"`

	// MaxFormant is the formant search ceiling in Hz.
	MaxFormant float64 `yaml:"max_formant"`
}

// UnitsConfig configures cry unit segmentation.
type UnitsConfig struct {
	MinUnitDuration float64 `yaml:"min_unit_duration"`

	// SilenceDrop is the dB distance below the episode maximum at which an
	// unvoiced frame counts as silence.
	SilenceDrop float64 `yaml:"silence_drop"`

	SmoothWindow int `yaml:"smooth_window"`
	SmoothOrder  int `yaml:"smooth_order"`
}

// IndicatorsConfig configures the optional clinical indicators.
type IndicatorsConfig struct {
	// Enabled adds an "indicators" section to every result.
	Enabled bool `yaml:"enabled"`

	HighPitchThreshold    float64 `yaml:"high_pitch_threshold"`
	HyperPhonationHNR     float64 `yaml:"hyper_phonation_hnr"`
	HyperPhonationShimmer float64 `yaml:"hyper_phonation_shimmer"`
	HyperPhonationJitter  float64 `yaml:"hyper_phonation_jitter"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is memory or postgres. Default: memory.
	Backend StorageBackend `yaml:"backend"`

	// PostgresDSN is the connection string, required for postgres.
	PostgresDSN string `yaml:"postgres_dsn"`

	// FingerprintIndex stores episode fingerprints with pgvector and enables
	// similar-episode search. Requires the vector extension.
	FingerprintIndex bool `yaml:"fingerprint_index"`

	// Breaker guards the backend.
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`
}

// JobsConfig bounds background analysis runs.
type JobsConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueSize     int           `yaml:"queue_size"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported with every metric and span. Default: cryscope.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the share of new traces sampled. 0 samples every
	// trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns the configuration used for keys absent from a file.
func Default() *Config {
	det := detect.DefaultConfig()
	ac := acoustic.DefaultConfig()
	units := cryunit.DefaultConfig()
	ind := stats.DefaultIndicatorConfig()

	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Detector: DetectorConfig{
				FrameLength:     det.FrameLength,
				HopLength:       det.HopLength,
				NoisePercentile: det.NoisePercentile,
				PeakPercentile:  det.PeakPercentile,
				ThresholdMargin: det.ThresholdMargin,
				EnergyThreshold: det.AbsoluteFloor,
				CentroidMin:     det.CentroidMin,
				CentroidMax:     det.CentroidMax,
				MinCryDuration:  det.MinEpisodeDuration,
				MaxGap:          det.MaxGap,
				TypicalDuration: det.TypicalDuration,
				ConfidenceRange: det.ConfidenceRange,
				ChunkDuration:   det.ChunkDuration,
			},
			Acoustic: AcousticConfig{
				Estimator:        "autocorr",
				TimeStep:         ac.TimeStep,
				WindowLength:     ac.WindowLength,
				PitchFloor:       250,
				PitchCeiling:     2000,
				VoicingThreshold: 0.45,
				MaxFormant:       8000,
			},
			Units: UnitsConfig{
				MinUnitDuration: units.MinUnitDuration,
				SilenceDrop:     units.SilenceDrop,
				SmoothWindow:    units.SmoothWindow,
				SmoothOrder:     units.SmoothOrder,
			},
			Indicators: IndicatorsConfig{
				HighPitchThreshold:    ind.HighPitchThreshold,
				HyperPhonationHNR:     ind.HyperPhonationHNR,
				HyperPhonationShimmer: ind.HyperPhonationShimmer,
				HyperPhonationJitter:  ind.HyperPhonationJitter,
			},
		},
		Storage: StorageConfig{Backend: StorageMemory},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			QueueSize:     16,
		},
		Telemetry: TelemetryConfig{ServiceName: "cryscope"},
	}
}

// Pipeline converts the analysis section into a pipeline configuration.
// Settings without a configuration key keep their pipeline defaults.
func (a AnalysisConfig) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Workers = a.Workers

	d := a.Detector
	cfg.Detect.FrameLength = d.FrameLength
	cfg.Detect.HopLength = d.HopLength
	cfg.Detect.NoisePercentile = d.NoisePercentile
	cfg.Detect.PeakPercentile = d.PeakPercentile
	cfg.Detect.ThresholdMargin = d.ThresholdMargin
	cfg.Detect.AbsoluteFloor = d.EnergyThreshold
	cfg.Detect.CentroidMin = d.CentroidMin
	cfg.Detect.CentroidMax = d.CentroidMax
	cfg.Detect.MinEpisodeDuration = d.MinCryDuration
	cfg.Detect.MaxGap = d.MaxGap
	cfg.Detect.TypicalDuration = d.TypicalDuration
	cfg.Detect.ConfidenceRange = d.ConfidenceRange
	cfg.Detect.ChunkDuration = d.ChunkDuration

	cfg.Acoustic.TimeStep = a.Acoustic.TimeStep
	cfg.Acoustic.WindowLength = a.Acoustic.WindowLength

	cfg.Units.MinUnitDuration = a.Units.MinUnitDuration
	cfg.Units.SilenceDrop = a.Units.SilenceDrop
	cfg.Units.SmoothWindow = a.Units.SmoothWindow
	cfg.Units.SmoothOrder = a.Units.SmoothOrder

	cfg.IndicatorsEnabled = a.Indicators.Enabled
	cfg.Indicators = stats.IndicatorConfig{
		HighPitchThreshold:    a.Indicators.HighPitchThreshold,
		HyperPhonationHNR:     a.Indicators.HyperPhonationHNR,
		HyperPhonationShimmer: a.Indicators.HyperPhonationShimmer,
		HyperPhonationJitter:  a.Indicators.HyperPhonationJitter,
	}
	return cfg
}

// Runner converts the jobs section into a runner configuration.
func (j JobsConfig) Runner() jobs.Config {
	return jobs.Config{
		MaxConcurrent: j.MaxConcurrent,
		QueueSize:     j.QueueSize,
		RunTimeout:    j.RunTimeout,
	}
}
