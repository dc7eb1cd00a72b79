package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEstimatorNames lists the estimator names shipped with cryscope.
// [Validate] warns about names outside it; a third-party estimator may still
// be registered under any name.
var ValidEstimatorNames = []string{"autocorr"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], fills
// the remaining zero values and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills settings whose zero value is never meaningful, so
// that configs built in code behave like loaded ones.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = d.Server.LogLevel
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Analysis.Acoustic.Estimator == "" {
		c.Analysis.Acoustic.Estimator = d.Analysis.Acoustic.Estimator
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Jobs.MaxConcurrent == 0 {
		c.Jobs.MaxConcurrent = d.Jobs.MaxConcurrent
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = d.Jobs.QueueSize
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative, got %s", cfg.Server.ShutdownTimeout))
	}

	// Analysis
	a := cfg.Analysis
	if a.Acoustic.Estimator == "" {
		errs = append(errs, errors.New("analysis.acoustic.estimator is required"))
	}
	validateEstimatorName("analysis.acoustic.estimator", a.Acoustic.Estimator)
	validateEstimatorName("analysis.acoustic.fallback", a.Acoustic.Fallback)
	if a.Acoustic.Fallback != "" && a.Acoustic.Fallback == a.Acoustic.Estimator {
		errs = append(errs, fmt.Errorf("analysis.acoustic.fallback %q must differ from the primary estimator", a.Acoustic.Fallback))
	}
	if a.Acoustic.PitchFloor <= 0 || a.Acoustic.PitchCeiling <= a.Acoustic.PitchFloor {
		errs = append(errs, fmt.Errorf("analysis.acoustic: need 0 < pitch_floor < pitch_ceiling, got %g and %g", a.Acoustic.PitchFloor, a.Acoustic.PitchCeiling))
	}
	if a.Acoustic.VoicingThreshold <= 0 || a.Acoustic.VoicingThreshold >= 1 {
		errs = append(errs, fmt.Errorf("analysis.acoustic.voicing_threshold %g is out of range (0, 1)", a.Acoustic.VoicingThreshold))
	}
	if a.Acoustic.MaxFormant <= 0 {
		errs = append(errs, fmt.Errorf("analysis.acoustic.max_formant must be positive, got %g", a.Acoustic.MaxFormant))
	}
	if r := pipelineRange("analysis.detector.min_cry_duration", a.Detector.MinCryDuration, 0.1, 5); r != nil {
		errs = append(errs, r)
	}
	if r := pipelineRange("analysis.detector.energy_threshold", a.Detector.EnergyThreshold, 0.001, 0.1); r != nil {
		errs = append(errs, r)
	}
	if err := a.Pipeline().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Storage.Backend == StorageMemory && cfg.Storage.PostgresDSN != "" {
		slog.Warn("storage.postgres_dsn is set but storage.backend is memory; results will not survive a restart")
	}
	if cfg.Storage.Backend == StorageMemory && cfg.Storage.FingerprintIndex {
		slog.Warn("storage.fingerprint_index only applies to the postgres backend; the memory store always searches fingerprints")
	}

	// Jobs
	if cfg.Jobs.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent must not be negative, got %d", cfg.Jobs.MaxConcurrent))
	}
	if cfg.Jobs.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("jobs.queue_size must not be negative, got %d", cfg.Jobs.QueueSize))
	}
	if cfg.Jobs.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("jobs.run_timeout must not be negative, got %s", cfg.Jobs.RunTimeout))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	return errors.Join(errs...)
}

func pipelineRange(key string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %g is out of range [%g, %g]", key, v, lo, hi)
	}
	return nil
}

// validateEstimatorName logs a warning if name is non-empty and not one of
// [ValidEstimatorNames].
func validateEstimatorName(key, name string) {
	if name == "" || slices.Contains(ValidEstimatorNames, name) {
		return
	}
	slog.Warn("unknown estimator name; may be a typo or third-party estimator",
		"key", key,
		"name", name,
		"known", ValidEstimatorNames,
	)
}
