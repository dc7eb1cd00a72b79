// Package observe provides application-wide observability primitives for
// cryscope: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cryscope metrics.
const meterName = "github.com/MrWong99/cryscope"

// Analysis outcomes recorded on [Metrics.Analyses].
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks wall time of one complete analysis run.
	AnalysisDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// EpisodesDetected counts cry episodes found across all runs.
	EpisodesDetected metric.Int64Counter

	// FramesAnalysed counts acoustic frames produced across all runs.
	FramesAnalysed metric.Int64Counter

	// EstimationGaps counts frames whose estimator call failed. Use with
	// attribute:
	//   attribute.String("estimator", ...)
	EstimationGaps metric.Int64Counter

	// Analyses counts finished runs. Use with attribute:
	//   attribute.String("outcome", ...)
	Analyses metric.Int64Counter

	// --- Gauges ---

	// ActiveAnalyses tracks the number of runs currently executing.
	ActiveAnalyses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Analyses of
// hour-long recordings run for minutes, single stages for milliseconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("cryscope.analysis.duration",
		metric.WithDescription("Wall time of one complete analysis run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("cryscope.stage.duration",
		metric.WithDescription("Latency of one pipeline stage by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EpisodesDetected, err = m.Int64Counter("cryscope.episodes.detected",
		metric.WithDescription("Total cry episodes detected."),
	); err != nil {
		return nil, err
	}
	if met.FramesAnalysed, err = m.Int64Counter("cryscope.frames.analysed",
		metric.WithDescription("Total acoustic frames produced."),
	); err != nil {
		return nil, err
	}
	if met.EstimationGaps, err = m.Int64Counter("cryscope.estimation.gaps",
		metric.WithDescription("Frames whose acoustic estimation failed, by estimator."),
	); err != nil {
		return nil, err
	}
	if met.Analyses, err = m.Int64Counter("cryscope.analyses",
		metric.WithDescription("Finished analysis runs by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveAnalyses, err = m.Int64UpDownCounter("cryscope.analyses.active",
		metric.WithDescription("Number of analysis runs currently executing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cryscope.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAnalysis records one finished run with its outcome and wall time.
func (m *Metrics) RecordAnalysis(ctx context.Context, outcome string, seconds float64) {
	m.Analyses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.AnalysisDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEstimationGaps adds n failed estimations for the named estimator.
func (m *Metrics) RecordEstimationGaps(ctx context.Context, estimator string, n int) {
	if n <= 0 {
		return
	}
	m.EstimationGaps.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("estimator", estimator)),
	)
}
