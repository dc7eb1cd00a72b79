// Package jobs supervises analysis runs in the background.
//
// A [Runner] owns at most one run per file. Submitting a new analysis for a
// file that is still running supersedes the old run: it is cancelled, and
// the new run starts only after the old one has stopped writing progress.
// Explicit cancellation returns the file to the uploaded state. The number
// of runs analysing at once is bounded; further runs wait in a bounded
// queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/pkg/types"
)

var (
	// ErrQueueFull is returned by [Runner.Submit] when every slot and queue
	// place is taken.
	ErrQueueFull = errors.New("jobs: queue full")

	// ErrNoActiveRun is returned by [Runner.Cancel] when the file has no
	// run in progress.
	ErrNoActiveRun = errors.New("jobs: no active run")

	// ErrClosed is returned after [Runner.Shutdown].
	ErrClosed = errors.New("jobs: runner closed")
)

// statusWriteTimeout bounds status writes made on behalf of a stopped run.
const statusWriteTimeout = 10 * time.Second

// Analyzer runs one analysis. *pipeline.Orchestrator satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, fileID, path string, params pipeline.Parameters) (*types.AnalysisResult, error)
}

// StatusWriter records progress. store.Store satisfies it.
type StatusWriter interface {
	SetProgress(ctx context.Context, fileID string, p types.Progress) error
}

// Config bounds the runner.
type Config struct {
	// MaxConcurrent is the number of runs analysing at once. Default: 2.
	MaxConcurrent int

	// QueueSize is the number of runs that may wait for a slot. Default: 16.
	QueueSize int

	// RunTimeout fails a run that takes longer. Zero disables the limit.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	} else if c.QueueSize == 0 {
		c.QueueSize = 16
	}
	return c
}

// RunInfo describes a run in progress.
type RunInfo struct {
	RunID       string    `json:"run_id"`
	FileID      string    `json:"file_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type run struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}

	// explicit is set under Runner.mu when the run was cancelled on request
	// rather than superseded.
	explicit bool
}

// Runner executes analyses in the background. All methods are safe for
// concurrent use.
type Runner struct {
	analyzer Analyzer
	status   StatusWriter
	hub      *Hub
	cfg      Config
	sem      *semaphore.Weighted

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// NewRunner returns a Runner that analyses with a, records its own status
// changes through sw and publishes them on hub. hub should also receive the
// analyzer's progress updates, see [pipeline.WithProgressHook].
func NewRunner(a Analyzer, sw StatusWriter, hub *Hub, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	if hub == nil {
		hub = NewHub()
	}
	return &Runner{
		analyzer: a,
		status:   sw,
		hub:      hub,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		base:     base,
		stop:     stop,
		runs:     make(map[string]*run),
	}
}

// Submit starts an analysis of the recording at path for fileID and returns
// its run ID. A run already in progress for fileID is superseded. The file
// is marked processing before Submit returns.
func (r *Runner) Submit(ctx context.Context, fileID, path string, params pipeline.Parameters) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	prev := r.runs[fileID]
	if prev == nil && len(r.runs) >= r.cfg.MaxConcurrent+r.cfg.QueueSize {
		r.mu.Unlock()
		return "", ErrQueueFull
	}

	runCtx, cancel := context.WithCancel(r.base)
	rn := &run{
		info:   RunInfo{RunID: uuid.NewString(), FileID: fileID, SubmittedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.runs[fileID] = rn
	if prev != nil {
		prev.cancel()
	}
	r.wg.Add(1)
	r.mu.Unlock()

	log := observe.Logger(observe.WithRun(ctx, fileID, rn.info.RunID))
	if prev != nil {
		log.Info("superseding run", "previous_run_id", prev.info.RunID)
	}

	r.setStatus(ctx, fileID, queued(rn.info.RunID))
	go r.execute(runCtx, rn, prev, path, params)
	return rn.info.RunID, nil
}

func queued(runID string) types.Progress {
	return types.Progress{Status: types.StatusProcessing, Message: "Analysis queued", RunID: runID}
}

func (r *Runner) execute(ctx context.Context, rn *run, prev *run, path string, params pipeline.Parameters) {
	defer r.wg.Done()
	defer close(rn.done)
	defer r.forget(rn)

	fileID := rn.info.FileID
	ctx = observe.WithRun(ctx, fileID, rn.info.RunID)
	log := observe.Logger(ctx)

	if prev != nil {
		<-prev.done
		// The previous run may have written after Submit marked the file
		// queued.
		if ctx.Err() == nil {
			r.setStatus(ctx, fileID, queued(rn.info.RunID))
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.stopped(ctx, rn)
		return
	}
	defer r.sem.Release(1)

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	_, err := r.analyzer.Analyze(ctx, fileID, path, params)
	switch {
	case err == nil:
	case pipeline.IsCancelled(err):
		r.stopped(ctx, rn)
	default:
		log.Debug("run ended with error", "err", err)
	}
}

// stopped records a run that ended through cancellation. Only explicit
// cancellation touches the status; a superseded run leaves it to its
// successor.
func (r *Runner) stopped(ctx context.Context, rn *run) {
	r.mu.Lock()
	explicit := rn.explicit
	r.mu.Unlock()
	if !explicit {
		return
	}
	r.setStatus(ctx, rn.info.FileID, types.Progress{
		Status:   types.StatusUploaded,
		Message:  "Analysis cancelled",
		Progress: 0,
		RunID:    rn.info.RunID,
	})
}

func (r *Runner) forget(rn *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[rn.info.FileID] == rn {
		delete(r.runs, rn.info.FileID)
	}
	rn.cancel()
}

// setStatus writes p even when ctx is already cancelled, and publishes it.
func (r *Runner) setStatus(ctx context.Context, fileID string, p types.Progress) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := r.status.SetProgress(wctx, fileID, p); err != nil {
		observe.Logger(ctx).Warn("status write failed", "file_id", fileID, "status", p.Status, "err", err)
	}
	r.hub.Publish(ctx, fileID, p)
}

// Cancel stops the run of fileID and waits until it has stopped, or until
// ctx is done. The file returns to the uploaded state.
func (r *Runner) Cancel(ctx context.Context, fileID string) error {
	r.mu.Lock()
	rn := r.runs[fileID]
	if rn == nil {
		r.mu.Unlock()
		return ErrNoActiveRun
	}
	rn.explicit = true
	rn.cancel()
	r.mu.Unlock()

	observe.Logger(ctx).Info("cancelling run", "file_id", fileID, "run_id", rn.info.RunID)
	select {
	case <-rn.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: waiting for run %s to stop: %w", rn.info.RunID, ctx.Err())
	}
}

// Active returns the run in progress for fileID.
func (r *Runner) Active(fileID string) (RunInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[fileID]
	if !ok {
		return RunInfo{}, false
	}
	return rn.info, true
}

// Subscribe streams the progress of fileID, see [Hub.Subscribe].
func (r *Runner) Subscribe(fileID string) (<-chan types.Progress, func()) {
	return r.hub.Subscribe(fileID)
}

// Shutdown stops accepting runs, cancels the running ones (they return to
// the uploaded state) and waits for them until ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, rn := range r.runs {
		rn.explicit = true
	}
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}
}
