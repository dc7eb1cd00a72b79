package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AnalysisChanged is set when any analysis setting changed. The new
	// settings apply to runs started after the reload.
	AnalysisChanged bool

	// EstimatorChanged is set when the primary or fallback estimator, or its
	// breaker, changed. The estimator is rebuilt together with the pipeline.
	EstimatorChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Analysis, new.Analysis) {
		d.AnalysisChanged = true
	}
	oa, na := old.Analysis.Acoustic, new.Analysis.Acoustic
	if oa.Estimator != na.Estimator || oa.Fallback != na.Fallback || !sameBreaker(oa, na) {
		d.EstimatorChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.DataDir != new.Server.DataDir {
		d.RestartRequired = append(d.RestartRequired, "server.data_dir")
	}
	if !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Jobs != new.Jobs {
		d.RestartRequired = append(d.RestartRequired, "jobs")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameBreaker(a, b AcousticConfig) bool {
	return a.Breaker.MaxFailures == b.Breaker.MaxFailures &&
		a.Breaker.ResetTimeout == b.Breaker.ResetTimeout &&
		a.Breaker.HalfOpenMax == b.Breaker.HalfOpenMax
}
