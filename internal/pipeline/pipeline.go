// Package pipeline runs the cry analysis of one recording end to end.
//
// [Pipeline.Run] is the synchronous core: detect episodes, then for every
// episode extract acoustic frames, segment cry units and summarise
// statistics, and assemble an [types.AnalysisResult]. Episodes are analysed
// in parallel on a bounded worker group; the result keeps episode order.
// Cancellation is observed between episodes.
//
// [Orchestrator] wraps a Pipeline with the status machine of one file:
// loading through a [audio.Source], progress reporting and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cryscope/internal/acoustic"
	"github.com/MrWong99/cryscope/internal/cryunit"
	"github.com/MrWong99/cryscope/internal/detect"
	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/stats"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Config gathers the settings of every stage.
type Config struct {
	Detect     detect.Config
	Acoustic   acoustic.Config
	Units      cryunit.Config
	Indicators stats.IndicatorConfig

	// IndicatorsEnabled adds per-episode indicators to the result.
	IndicatorsEnabled bool

	// Workers bounds how many episodes are analysed at once. Zero means
	// GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the defaults of every stage.
func DefaultConfig() Config {
	return Config{
		Detect:     detect.DefaultConfig(),
		Acoustic:   acoustic.DefaultConfig(),
		Units:      cryunit.DefaultConfig(),
		Indicators: stats.DefaultIndicatorConfig(),
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	errs = append(errs, c.Detect.Validate(), c.Acoustic.Validate(), c.Units.Validate())
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("pipeline: workers must not be negative, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

// ProgressFunc receives progress updates: a percentage in [0, 100] and a
// human-readable message. Calls are serialised and percentages never
// decrease within one run.
type ProgressFunc func(percent int, message string)

// Progress checkpoints of a run. Loading (0-10) belongs to the
// [Orchestrator]; Run reports from ProgressDetecting to ProgressEpisodesEnd.
const (
	ProgressLoading       = 0
	ProgressLoaded        = 10
	ProgressDetecting     = 20
	ProgressDetected      = 40
	ProgressEpisodesEnd   = 90
	ProgressSaving        = 95
	ProgressCompleted     = 100
	progressEpisodesRange = ProgressEpisodesEnd - ProgressDetected
)

// Pipeline analyses waveforms. It holds no per-run state and is safe for
// concurrent use.
type Pipeline struct {
	cfg     Config
	est     estimator.Estimator
	estName string
	metrics *observe.Metrics

	det *detect.Detector
	ana *acoustic.Analyzer
	seg *cryunit.Segmenter
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEstimatorName labels estimator metrics and logs. Default: "default".
func WithEstimatorName(name string) Option {
	return func(p *Pipeline) { p.estName = name }
}

// New builds a Pipeline around est.
func New(cfg Config, est estimator.Estimator, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, est: est, estName: "default"}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if err := p.build(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build() error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	var err error
	if p.det, err = detect.New(p.cfg.Detect); err != nil {
		return err
	}
	if p.ana, err = acoustic.New(p.cfg.Acoustic, p.est, acoustic.WithMetrics(p.metrics, p.estName)); err != nil {
		return err
	}
	if p.seg, err = cryunit.New(p.cfg.Units); err != nil {
		return err
	}
	return nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// WithParameters returns a Pipeline that applies params on top of p's
// configuration. p itself is unchanged. Invalid params yield an error of
// kind [KindInvalidInput].
func (p *Pipeline) WithParameters(params Parameters) (*Pipeline, error) {
	if params.IsZero() {
		return p, nil
	}
	if err := params.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: "parameters", Err: err}
	}
	q := &Pipeline{cfg: params.apply(p.cfg), est: p.est, estName: p.estName, metrics: p.metrics}
	if err := q.build(); err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: "parameters", Err: err}
	}
	return q, nil
}

// episodeResult is the analysis of one episode.
type episodeResult struct {
	frames     []types.AcousticFrame
	units      types.EpisodeUnitsSummary
	stats      types.EpisodeStatistics
	indicators types.Indicators
}

// Run analyses wf and returns the complete result. onProgress may be nil.
//
// A waveform with no cry episodes yields an empty result, not an error.
// Errors are of type *[Error]: [KindInvalidInput] for a malformed waveform,
// [KindCancelled] when ctx is cancelled, [KindUnrecoverable] for internal
// faults including panics inside episode workers. No partial result is
// returned with an error.
func (p *Pipeline) Run(ctx context.Context, wf *audio.Waveform, onProgress ProgressFunc) (*types.AnalysisResult, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.Float64("audio.duration", wf.Duration()),
			attribute.Int("audio.sample_rate", wf.SampleRate),
		),
	)
	defer span.End()

	report := serialise(onProgress)

	if err := wf.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: "validate", Err: err}
	}

	report(ProgressDetecting, "Detecting cry episodes")
	episodes, err := p.detect(ctx, wf)
	if err != nil {
		return nil, newError("detect", err)
	}
	span.SetAttributes(attribute.Int("episodes", len(episodes)))
	report(ProgressDetected, fmt.Sprintf("Found %d cry episodes", len(episodes)))

	res := types.NewAnalysisResult()
	res.CryEpisodes = episodes
	if p.cfg.IndicatorsEnabled {
		res.Indicators = map[string]types.Indicators{}
	}
	if len(episodes) == 0 {
		return res, nil
	}

	results, err := p.analyzeAll(ctx, wf, episodes, report)
	if err != nil {
		return nil, err
	}

	var frames int
	for i, er := range results {
		key := types.EpisodeKey(i)
		res.AcousticFeatures[key] = er.frames
		res.CryUnits[key] = er.units
		res.Statistics[key] = er.stats
		if p.cfg.IndicatorsEnabled {
			res.Indicators[key] = er.indicators
		}
		frames += len(er.frames)
	}
	p.metrics.FramesAnalysed.Add(ctx, int64(frames))
	return res, nil
}

func (p *Pipeline) detect(ctx context.Context, wf *audio.Waveform) ([]types.CryEpisode, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.detect")
	defer span.End()

	start := time.Now()
	episodes, err := p.det.Detect(ctx, wf)
	p.metrics.RecordStage(ctx, "detect", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	p.metrics.EpisodesDetected.Add(ctx, int64(len(episodes)))
	return episodes, nil
}

// analyzeAll analyses every episode on a bounded worker group. results[i]
// belongs to episodes[i] whatever order the workers finish in.
func (p *Pipeline) analyzeAll(ctx context.Context, wf *audio.Waveform, episodes []types.CryEpisode, report ProgressFunc) ([]episodeResult, error) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]episodeResult, len(episodes))
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, ep := range episodes {
		// Between episodes: stop scheduling once cancelled or failed.
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &Error{
						Kind: KindUnrecoverable,
						Op:   fmt.Sprintf("analyze episode %d", i),
						Err:  fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
					}
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.analyzeEpisode(gctx, wf, i, ep)

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			report(ProgressDetected+progressEpisodesRange*n/len(episodes),
				fmt.Sprintf("Episode %d/%d analysed", n, len(episodes)))
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, newError("analyze episodes", err)
	}
	return results, nil
}

func (p *Pipeline) analyzeEpisode(ctx context.Context, wf *audio.Waveform, i int, ep types.CryEpisode) episodeResult {
	ctx, span := observe.StartSpan(ctx, "pipeline.episode",
		trace.WithAttributes(
			attribute.Int("episode.index", i),
			attribute.Float64("episode.start", ep.StartTime),
			attribute.Float64("episode.duration", ep.Duration),
		),
	)
	defer span.End()

	var er episodeResult

	start := time.Now()
	er.frames = p.ana.Analyze(ctx, wf, ep)
	p.metrics.RecordStage(ctx, "acoustic", time.Since(start).Seconds())

	start = time.Now()
	er.units = p.seg.Segment(wf, ep, er.frames)
	p.metrics.RecordStage(ctx, "units", time.Since(start).Seconds())

	start = time.Now()
	er.stats = stats.Summarize(ep, er.frames)
	if p.cfg.IndicatorsEnabled {
		er.indicators = stats.Indicators(er.frames, p.cfg.Indicators)
	}
	p.metrics.RecordStage(ctx, "statistics", time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("frames", len(er.frames)),
		attribute.Int("units", er.units.UnitCount),
	)
	return er
}

// serialise makes fn safe to call from several workers and drops updates
// that would move progress backwards.
func serialise(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int, string) {}
	}
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(percent int, message string) {
		mu.Lock()
		defer mu.Unlock()
		if percent < last {
			return
		}
		last = percent
		fn(percent, message)
	}
}
