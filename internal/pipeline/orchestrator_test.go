package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/store"
	"github.com/MrWong99/cryscope/pkg/audio"
	audiomock "github.com/MrWong99/cryscope/pkg/audio/mock"
	"github.com/MrWong99/cryscope/pkg/provider/estimator"
	estmock "github.com/MrWong99/cryscope/pkg/provider/estimator/mock"
	"github.com/MrWong99/cryscope/pkg/types"
)

// recordingStore keeps every progress write on top of a MemoryStore.
type recordingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	history []types.Progress
	saves   int
	saveErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *recordingStore) SetProgress(ctx context.Context, fileID string, p types.Progress) error {
	s.mu.Lock()
	s.history = append(s.history, p)
	s.mu.Unlock()
	return s.MemoryStore.SetProgress(ctx, fileID, p)
}

func (s *recordingStore) SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.SaveResult(ctx, fileID, res)
}

func (s *recordingStore) percents() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.history))
	for i, p := range s.history {
		out[i] = p.Progress
	}
	return out
}

func (s *recordingStore) last() types.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[len(s.history)-1]
}

func newOrchestrator(t *testing.T, src audio.Source, st pipeline.StatusStore, est estimator.Estimator, opts ...pipeline.OrchestratorOption) *pipeline.Orchestrator {
	t.Helper()
	if est == nil {
		est = steadyEstimator()
	}
	return pipeline.NewOrchestrator(newPipeline(t, est, func(c *pipeline.Config) { c.Workers = 1 }), src, st, opts...)
}

func TestAnalyze_Completes(t *testing.T) {
	t.Parallel()
	st := newRecordingStore()
	src := &audiomock.Source{Waveform: twoCries(t)}

	var (
		hookMu sync.Mutex
		hooked []types.Progress
	)
	o := newOrchestrator(t, src, st, nil, pipeline.WithProgressHook(func(_ context.Context, fileID string, p types.Progress) {
		hookMu.Lock()
		defer hookMu.Unlock()
		if fileID != "f1" {
			t.Errorf("hook fileID = %q", fileID)
		}
		hooked = append(hooked, p)
	}))

	ctx := pipeline.WithRunID(context.Background(), "run-1")
	res, err := o.Analyze(ctx, "f1", "cry.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.CryEpisodes) != 2 {
		t.Errorf("episodes = %d, want 2", len(res.CryEpisodes))
	}

	want := []int{0, 10, 20, 40, 65, 90, 95}
	if got := st.percents(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("stored progress = %v, want %v", got, want)
	}
	for _, p := range st.history {
		if p.Status != types.StatusProcessing || p.RunID != "run-1" {
			t.Errorf("progress %+v: want processing tagged run-1", p)
		}
	}

	final, err := st.Progress(context.Background(), "f1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if final.Status != types.StatusCompleted || final.Progress != 100 || final.RunID != "run-1" {
		t.Errorf("final status = %+v, want completed 100 run-1", final)
	}
	saved, err := st.Result(context.Background(), "f1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(saved.CryEpisodes) != 2 {
		t.Errorf("saved episodes = %d, want 2", len(saved.CryEpisodes))
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if last := hooked[len(hooked)-1]; last.Status != types.StatusCompleted || last.Message != "Analysis completed" || last.RunID != "run-1" {
		t.Errorf("last hook event = %+v", last)
	}
	if src.LoadCalls[0] != "cry.wav" {
		t.Errorf("loaded %q", src.LoadCalls[0])
	}
}

func TestAnalyze_SilentRecordingCompletesEmpty(t *testing.T) {
	t.Parallel()
	st := newRecordingStore()
	o := newOrchestrator(t, &audiomock.Source{Waveform: signal(t, 5)}, st, nil)

	res, err := o.Analyze(context.Background(), "f1", "quiet.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.CryEpisodes) != 0 {
		t.Errorf("episodes = %d, want 0", len(res.CryEpisodes))
	}
	if got, want := st.percents(), []int{0, 10, 20, 40, 95}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("stored progress = %v, want %v", got, want)
	}
	p, _ := st.Progress(context.Background(), "f1")
	if p.Status != types.StatusCompleted {
		t.Errorf("status = %q, want completed", p.Status)
	}
}

func TestAnalyze_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src      *audiomock.Source
		params   pipeline.Parameters
		saveErr  error
		wantKind pipeline.Kind
		wantMsg  string
		noLoad   bool
	}{
		{
			name:     "load error",
			src:      &audiomock.Source{Err: errors.New("open cry.wav: no such file or directory")},
			wantKind: pipeline.KindUnrecoverable,
			wantMsg:  "Analysis failed: open cry.wav: no such file or directory",
		},
		{
			name:     "malformed container",
			src:      &audiomock.Source{Err: fmt.Errorf("%w: truncated data chunk", audio.ErrInvalidInput)},
			wantKind: pipeline.KindInvalidInput,
			wantMsg:  "truncated data chunk",
		},
		{
			name:     "empty recording",
			src:      &audiomock.Source{Waveform: &audio.Waveform{SampleRate: testRate}},
			wantKind: pipeline.KindInvalidInput,
			wantMsg:  "recording contains no samples",
		},
		{
			name:     "invalid parameters",
			src:      &audiomock.Source{},
			params:   pipeline.Parameters{MinCryDuration: types.Float(60)},
			wantKind: pipeline.KindInvalidInput,
			wantMsg:  "min_cry_duration",
			noLoad:   true,
		},
		{
			name:     "save error",
			saveErr:  errors.New("connection reset by peer"),
			wantKind: pipeline.KindUnrecoverable,
			wantMsg:  "connection reset by peer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := tt.src
			if src == nil {
				src = &audiomock.Source{Waveform: twoCries(t)}
			}
			st := newRecordingStore()
			st.saveErr = tt.saveErr
			o := newOrchestrator(t, src, st, nil)

			res, err := o.Analyze(context.Background(), "f1", "cry.wav", tt.params)
			if res != nil {
				t.Error("result returned with an error")
			}
			if got := pipeline.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.wantKind, err)
			}

			last := st.last()
			if last.Status != types.StatusFailed || last.Progress != 0 {
				t.Errorf("last status = %+v, want failed at 0", last)
			}
			if !strings.HasPrefix(last.Message, "Analysis failed: ") || !strings.Contains(last.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to mention %q", last.Message, tt.wantMsg)
			}
			if _, err := st.Result(context.Background(), "f1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("result stored for a failed run: err = %v", err)
			}
			if tt.noLoad && src.CallCount() != 0 {
				t.Errorf("source loaded %d times, want 0", src.CallCount())
			}
		})
	}
}

func TestAnalyze_PanicMessageHasNoStack(t *testing.T) {
	t.Parallel()
	st := newRecordingStore()
	est := &estmock.Estimator{EstimateFunc: func([]float64, int) (estimator.Estimate, error) {
		panic("boom")
	}}
	o := newOrchestrator(t, &audiomock.Source{Waveform: twoCries(t)}, st, est)

	_, err := o.Analyze(context.Background(), "f1", "cry.wav", pipeline.Parameters{})
	if pipeline.KindOf(err) != pipeline.KindUnrecoverable {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
	msg := st.last().Message
	if !strings.Contains(msg, "panic: boom") || strings.Contains(msg, "\n") {
		t.Errorf("message = %q, want one line naming the panic", msg)
	}
}

func TestAnalyze_CancelledWritesNothingFurther(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newRecordingStore()
	base := steadyEstimator()
	est := &estmock.Estimator{EstimateFunc: func(frame []float64, rate int) (estimator.Estimate, error) {
		cancel()
		return base.Estimate(frame, rate)
	}}
	o := newOrchestrator(t, &audiomock.Source{Waveform: twoCries(t)}, st, est)

	res, err := o.Analyze(ctx, "f1", "cry.wav", pipeline.Parameters{})
	if !pipeline.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if res != nil {
		t.Error("result returned for a cancelled run")
	}
	if st.saves != 0 {
		t.Errorf("SaveResult called %d times", st.saves)
	}
	for _, p := range st.history {
		if p.Status != types.StatusProcessing {
			t.Errorf("cancelled run wrote status %q", p.Status)
		}
	}
}

func TestAnalyze_CancelledDuringLoad(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	st := newRecordingStore()
	src := &audiomock.Source{LoadFunc: func(ctx context.Context, _ string) (*audio.Waveform, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newOrchestrator(t, src, st, nil)

	_, err := o.Analyze(ctx, "f1", "cry.wav", pipeline.Parameters{})
	if !pipeline.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if got := st.percents(); fmt.Sprint(got) != "[0]" {
		t.Errorf("stored progress = %v, want only the loading update", got)
	}
}

func TestRunID(t *testing.T) {
	t.Parallel()
	if got := pipeline.RunID(context.Background()); got != "" {
		t.Errorf("RunID(background) = %q", got)
	}
	if got := pipeline.RunID(pipeline.WithRunID(context.Background(), "abc")); got != "abc" {
		t.Errorf("RunID = %q, want abc", got)
	}
}

func TestSetPipeline_AppliesToNextRun(t *testing.T) {
	t.Parallel()
	st := newRecordingStore()
	o := newOrchestrator(t, &audiomock.Source{Waveform: twoCries(t)}, st, nil)

	strict := newPipeline(t, steadyEstimator(), func(c *pipeline.Config) {
		c.Workers = 1
		c.Detect.MinEpisodeDuration = 2.5
	})
	o.SetPipeline(strict)
	if o.Pipeline() != strict {
		t.Fatal("Pipeline does not return the replacement")
	}

	res, err := o.Analyze(context.Background(), "f1", "cry.wav", pipeline.Parameters{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.CryEpisodes) != 0 {
		t.Errorf("episodes = %d, want 0 with a 2.5 s minimum", len(res.CryEpisodes))
	}
}
