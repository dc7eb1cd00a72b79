package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cryscope/internal/jobs"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type analyzeCall struct {
	fileID string
	path   string
	runID  string
}

// fakeAnalyzer records calls and runs fn, if set, in place of an analysis.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   []analyzeCall
	fn      func(ctx context.Context, fileID string) error
	started chan string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, fileID, path string, _ pipeline.Parameters) (*types.AnalysisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, analyzeCall{fileID: fileID, path: path, runID: pipeline.RunID(ctx)})
	fn := f.fn
	f.mu.Unlock()

	if f.started != nil {
		f.started <- pipeline.RunID(ctx)
	}
	if fn != nil {
		if err := fn(ctx, fileID); err != nil {
			return nil, err
		}
	}
	return types.NewAnalysisResult(), nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// blockUntilDone stops like the pipeline does when its context ends.
func blockUntilDone(ctx context.Context, _ string) error {
	<-ctx.Done()
	return &pipeline.Error{Kind: pipeline.KindOf(ctx.Err()), Op: "detect", Err: ctx.Err()}
}

// statusLog records status writes.
type statusLog struct {
	mu      sync.Mutex
	history map[string][]types.Progress
}

func (s *statusLog) SetProgress(_ context.Context, fileID string, p types.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = make(map[string][]types.Progress)
	}
	s.history[fileID] = append(s.history[fileID], p)
	return nil
}

func (s *statusLog) of(fileID string) []types.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Progress(nil), s.history[fileID]...)
}

func waitIdle(t *testing.T, r *jobs.Runner, fileID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Active(fileID); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("run for %s did not finish", fileID)
}

func waitStarted(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case id := <-started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunner_SubmitRuns(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{}
	st := &statusLog{}
	r := jobs.NewRunner(a, st, nil, jobs.Config{})

	runID, err := r.Submit(context.Background(), "f1", "/data/f1.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run ID")
	}
	waitIdle(t, r, "f1")

	if a.callCount() != 1 {
		t.Fatalf("Analyze calls = %d, want 1", a.callCount())
	}
	if got := a.calls[0]; got.path != "/data/f1.wav" || got.runID != runID {
		t.Errorf("call = %+v, want path /data/f1.wav run %s", got, runID)
	}
	hist := st.of("f1")
	if len(hist) == 0 || hist[0].Status != types.StatusProcessing || hist[0].Message != "Analysis queued" || hist[0].RunID != runID {
		t.Errorf("status history = %+v, want queued first", hist)
	}
}

func TestRunner_SubmitSupersedes(t *testing.T) {
	t.Parallel()
	started := make(chan string, 2)
	var (
		mu    sync.Mutex
		order []string
	)
	a := &fakeAnalyzer{started: started}
	a.fn = func(ctx context.Context, _ string) error {
		id := pipeline.RunID(ctx)
		err := error(nil)
		if a.callCount() == 1 {
			err = blockUntilDone(ctx, "")
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return err
	}
	st := &statusLog{}
	r := jobs.NewRunner(a, st, nil, jobs.Config{})

	first, err := r.Submit(context.Background(), "f1", "a.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, started)

	second, err := r.Submit(context.Background(), "f1", "a.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first == second {
		t.Fatal("run IDs repeat")
	}
	if info, ok := r.Active("f1"); !ok || info.RunID != second {
		t.Errorf("Active = %+v, %v; want the second run", info, ok)
	}
	waitStarted(t, started)
	waitIdle(t, r, "f1")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != first || order[1] != second {
		t.Errorf("finish order = %v, want [%s %s]", order, first, second)
	}
	for _, p := range st.of("f1") {
		if p.Status == types.StatusUploaded {
			t.Errorf("superseded run reset the status: %+v", p)
		}
	}
}

func TestRunner_Cancel(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	a := &fakeAnalyzer{fn: blockUntilDone, started: started}
	st := &statusLog{}
	hub := jobs.NewHub()
	r := jobs.NewRunner(a, st, hub, jobs.Config{})

	events, unsubscribe := r.Subscribe("f1")
	defer unsubscribe()

	runID, _ := r.Submit(context.Background(), "f1", "a.wav", pipeline.Parameters{})
	waitStarted(t, started)

	if err := r.Cancel(context.Background(), "f1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := r.Active("f1"); ok {
		t.Error("run still active after Cancel returned")
	}

	hist := st.of("f1")
	want := types.Progress{Status: types.StatusUploaded, Message: "Analysis cancelled", RunID: runID}
	if last := hist[len(hist)-1]; last != want {
		t.Errorf("last status = %+v, want %+v", last, want)
	}

	var last types.Progress
	for len(events) > 0 {
		last = <-events
	}
	if last != want {
		t.Errorf("last event = %+v, want %+v", last, want)
	}
}

func TestRunner_CancelWithoutRun(t *testing.T) {
	t.Parallel()
	r := jobs.NewRunner(&fakeAnalyzer{}, &statusLog{}, nil, jobs.Config{})
	if err := r.Cancel(context.Background(), "nope"); !errors.Is(err, jobs.ErrNoActiveRun) {
		t.Errorf("err = %v, want ErrNoActiveRun", err)
	}
}

func TestRunner_CancelWhileQueued(t *testing.T) {
	t.Parallel()
	started := make(chan string, 2)
	a := &fakeAnalyzer{fn: blockUntilDone, started: started}
	st := &statusLog{}
	r := jobs.NewRunner(a, st, nil, jobs.Config{MaxConcurrent: 1})

	_, _ = r.Submit(context.Background(), "busy", "a.wav", pipeline.Parameters{})
	waitStarted(t, started)
	queuedID, _ := r.Submit(context.Background(), "waiting", "b.wav", pipeline.Parameters{})

	if err := r.Cancel(context.Background(), "waiting"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	hist := st.of("waiting")
	if last := hist[len(hist)-1]; last.Status != types.StatusUploaded || last.RunID != queuedID {
		t.Errorf("last status = %+v, want uploaded", last)
	}
	if a.callCount() != 1 {
		t.Errorf("queued run was analysed")
	}
	_ = r.Cancel(context.Background(), "busy")
}

func TestRunner_QueueFull(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{fn: blockUntilDone}
	r := jobs.NewRunner(a, &statusLog{}, nil, jobs.Config{MaxConcurrent: 1, QueueSize: 1})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Submit(ctx, id, id+".wav", pipeline.Parameters{}); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	if _, err := r.Submit(ctx, "c", "c.wav", pipeline.Parameters{}); !errors.Is(err, jobs.ErrQueueFull) {
		t.Errorf("third Submit err = %v, want ErrQueueFull", err)
	}
	if _, err := r.Submit(ctx, "a", "a.wav", pipeline.Parameters{}); err != nil {
		t.Errorf("superseding Submit err = %v, want nil", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRunner_RunTimeout(t *testing.T) {
	t.Parallel()
	var deadline bool
	a := &fakeAnalyzer{fn: func(ctx context.Context, fileID string) error {
		_, deadline = ctx.Deadline()
		return blockUntilDone(ctx, fileID)
	}}
	st := &statusLog{}
	r := jobs.NewRunner(a, st, nil, jobs.Config{RunTimeout: 20 * time.Millisecond})

	_, _ = r.Submit(context.Background(), "f1", "a.wav", pipeline.Parameters{})
	waitIdle(t, r, "f1")

	if !deadline {
		t.Error("run context has no deadline")
	}
	for _, p := range st.of("f1") {
		if p.Status == types.StatusUploaded {
			t.Errorf("timed-out run treated as cancelled: %+v", p)
		}
	}
}

func TestRunner_Shutdown(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	a := &fakeAnalyzer{fn: blockUntilDone, started: started}
	st := &statusLog{}
	r := jobs.NewRunner(a, st, nil, jobs.Config{})

	_, _ = r.Submit(context.Background(), "f1", "a.wav", pipeline.Parameters{})
	waitStarted(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	hist := st.of("f1")
	if last := hist[len(hist)-1]; last.Status != types.StatusUploaded {
		t.Errorf("status after shutdown = %+v, want uploaded", last)
	}
	if _, err := r.Submit(context.Background(), "f2", "b.wav", pipeline.Parameters{}); !errors.Is(err, jobs.ErrClosed) {
		t.Errorf("Submit after shutdown err = %v, want ErrClosed", err)
	}
}
