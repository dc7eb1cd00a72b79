package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/types"
)

// StatusStore is the persistence the [Orchestrator] needs. SaveResult must
// store the result and mark the file completed atomically.
type StatusStore interface {
	SetProgress(ctx context.Context, fileID string, p types.Progress) error
	SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error
}

// ProgressHook observes every progress update written by the orchestrator.
type ProgressHook func(ctx context.Context, fileID string, p types.Progress)

// Orchestrator drives the analysis of one file through its states:
// uploaded, processing, then completed or failed.
type Orchestrator struct {
	pipeline atomic.Pointer[Pipeline]
	source   audio.Source
	store    StatusStore
	hook     ProgressHook
	metrics  *observe.Metrics
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithProgressHook calls hook after every stored progress update.
func WithProgressHook(hook ProgressHook) OrchestratorOption {
	return func(o *Orchestrator) { o.hook = hook }
}

// NewOrchestrator returns an Orchestrator that loads recordings from src,
// analyses them with p and persists to st.
func NewOrchestrator(p *Pipeline, src audio.Source, st StatusStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{source: src, store: st, metrics: p.metrics}
	o.pipeline.Store(p)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pipeline returns the pipeline used for runs without parameter overrides.
func (o *Orchestrator) Pipeline() *Pipeline { return o.pipeline.Load() }

// SetPipeline replaces the pipeline for runs started from now on. Runs in
// progress keep the pipeline they started with.
func (o *Orchestrator) SetPipeline(p *Pipeline) { o.pipeline.Store(p) }

// WithRunID attaches a run identifier to ctx. Progress written by
// [Orchestrator.Analyze] carries it.
func WithRunID(ctx context.Context, runID string) context.Context {
	fileID, _ := observe.RunFromContext(ctx)
	return observe.WithRun(ctx, fileID, runID)
}

// RunID returns the run identifier attached to ctx, if any.
func RunID(ctx context.Context) string {
	_, id := observe.RunFromContext(ctx)
	return id
}

// Analyze loads the recording at path and analyses it for fileID.
//
// The file is moved to processing before loading starts and progress is
// stored along the way. On success the result is saved together with the
// completed status and returned. On failure the status becomes failed with
// the reason as message. On cancellation nothing further is written: the
// caller decides what status the file returns to.
func (o *Orchestrator) Analyze(ctx context.Context, fileID, path string, params Parameters) (res *types.AnalysisResult, err error) {
	ctx = observe.WithRun(ctx, fileID, RunID(ctx))
	ctx, span := observe.StartSpan(ctx, "analysis",
		trace.WithAttributes(
			attribute.String("file.id", fileID),
			attribute.String("run.id", RunID(ctx)),
		),
	)
	defer span.End()

	log := observe.Logger(ctx)
	start := time.Now()
	o.metrics.ActiveAnalyses.Add(ctx, 1)
	defer func() {
		o.metrics.ActiveAnalyses.Add(ctx, -1)
		outcome := observe.OutcomeCompleted
		switch {
		case IsCancelled(err):
			outcome = observe.OutcomeCancelled
			log.Info("analysis cancelled", "elapsed", time.Since(start))
		case err != nil:
			outcome = observe.OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("analysis failed", "kind", KindOf(err).String(), "err", err)
		default:
			log.Info("analysis completed",
				"episodes", len(res.CryEpisodes), "elapsed", time.Since(start))
		}
		o.metrics.RecordAnalysis(ctx, outcome, time.Since(start).Seconds())
	}()

	log.Info("analysis started", "path", path)

	p, err := o.pipeline.Load().WithParameters(params)
	if err != nil {
		return nil, o.fail(ctx, fileID, err)
	}

	if err := o.progress(ctx, fileID, ProgressLoading, "Loading audio"); err != nil {
		return nil, o.fail(ctx, fileID, err)
	}
	wf, err := o.source.Load(ctx, path)
	if err != nil {
		return nil, o.fail(ctx, fileID, newError("load", err))
	}
	if wf == nil || wf.Len() == 0 {
		return nil, o.fail(ctx, fileID, &Error{
			Kind: KindInvalidInput,
			Op:   "load",
			Err:  fmt.Errorf("%w: recording contains no samples", audio.ErrInvalidInput),
		})
	}
	if err := o.progress(ctx, fileID, ProgressLoaded, "Audio loaded"); err != nil {
		return nil, o.fail(ctx, fileID, err)
	}

	// Progress write failures inside the run are logged, not fatal; the
	// final status write decides the outcome.
	res, err = p.Run(ctx, wf, func(percent int, message string) {
		if err := o.progress(ctx, fileID, percent, message); err != nil && !IsCancelled(err) {
			log.Warn("progress update failed", "err", err)
		}
	})
	if err != nil {
		return nil, o.fail(ctx, fileID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, fileID, newError("save", err))
	}

	if err := o.progress(ctx, fileID, ProgressSaving, "Saving results"); err != nil {
		return nil, o.fail(ctx, fileID, err)
	}
	if err := o.store.SaveResult(ctx, fileID, res); err != nil {
		return nil, o.fail(ctx, fileID, newError("save", err))
	}
	o.notify(ctx, fileID, types.Progress{
		Status:   types.StatusCompleted,
		Message:  "Analysis completed",
		Progress: ProgressCompleted,
	})
	return res, nil
}

// progress stores a processing update unless ctx is already cancelled.
func (o *Orchestrator) progress(ctx context.Context, fileID string, percent int, message string) error {
	if err := ctx.Err(); err != nil {
		return newError("progress", err)
	}
	p := types.Progress{Status: types.StatusProcessing, Message: message, Progress: percent}
	if err := o.store.SetProgress(ctx, fileID, o.tag(ctx, p)); err != nil {
		if errors.Is(err, context.Canceled) {
			return newError("progress", err)
		}
		return &Error{Kind: KindUnrecoverable, Op: "progress", Err: err}
	}
	o.notify(ctx, fileID, p)
	return nil
}

// fail records err as the failure reason unless it is a cancellation.
// It returns err as an *Error.
func (o *Orchestrator) fail(ctx context.Context, fileID string, err error) error {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = newError("run", err)
	}
	if pe.Kind == KindCancelled {
		return pe
	}
	p := types.Progress{
		Status:   types.StatusFailed,
		Message:  "Analysis failed: " + reason(pe),
		Progress: 0,
	}
	// The run context may be expired; the failure must still be recorded.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := o.store.SetProgress(wctx, fileID, o.tag(ctx, p)); serr != nil {
		observe.Logger(ctx).Error("recording failed status", "file_id", fileID, "err", serr)
	}
	o.notify(ctx, fileID, p)
	return pe
}

// reason is the first line of the cause of pe. Stacks of recovered panics
// stay in the logs.
func reason(pe *Error) string {
	msg, _, _ := strings.Cut(pe.Err.Error(), "\n")
	return msg
}

func (o *Orchestrator) tag(ctx context.Context, p types.Progress) types.Progress {
	p.RunID = RunID(ctx)
	return p
}

func (o *Orchestrator) notify(ctx context.Context, fileID string, p types.Progress) {
	if o.hook != nil {
		o.hook(ctx, fileID, o.tag(ctx, p))
	}
}
