package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/cryscope/pkg/types"
)

// sampleResult returns a result with one episode per f0 mean.
func sampleResult(f0Means ...float64) *types.AnalysisResult {
	res := types.NewAnalysisResult()
	for i, f0 := range f0Means {
		key := types.EpisodeKey(i)
		start := float64(i) * 5
		res.CryEpisodes = append(res.CryEpisodes, types.CryEpisode{
			StartTime: start, EndTime: start + 1, Duration: 1, Confidence: 0.8,
		})
		res.AcousticFeatures[key] = []types.AcousticFrame{
			{Time: start, F0: types.Float(f0), Intensity: 70},
		}
		res.CryUnits[key] = types.EpisodeUnitsSummary{
			Units: []types.CryUnit{
				{StartTime: start, EndTime: start + 1, Duration: 1, IsVoiced: true, MeanEnergy: 70, PeakFrequency: f0},
			},
			UnitCount: 1,
			CryCE:     1,
		}
		res.Statistics[key] = types.EpisodeStatistics{
			Parameters: map[string]types.ParameterStatistics{
				types.ParamF0:        {Mean: f0, Min: f0, Max: f0, Median: f0},
				types.ParamIntensity: {Mean: 70, Min: 70, Max: 70, Median: 70},
			},
			Duration:  1,
			NumFrames: 1,
		}
	}
	return res
}

func TestMemoryStore_ProgressRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Progress(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Progress(unknown) err = %v, want ErrNotFound", err)
	}

	want := types.Progress{Status: types.StatusProcessing, Message: "Detecting cry episodes", Progress: 20, RunID: "r1"}
	if err := s.SetProgress(ctx, "f1", want); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, err := s.Progress(ctx, "f1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if got != want {
		t.Errorf("Progress = %+v, want %+v", got, want)
	}
}

func TestMemoryStore_SetProgressRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	err := s.SetProgress(context.Background(), "f1", types.Progress{Status: "exploded"})
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestMemoryStore_SaveResultMarksCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.SetProgress(ctx, "f1", types.Progress{Status: types.StatusProcessing, Progress: 95, RunID: "r7"})
	res := sampleResult(450, 520)
	if err := s.SaveResult(ctx, "f1", res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	p, err := s.Progress(ctx, "f1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	want := types.Progress{Status: types.StatusCompleted, Message: "Analysis completed", Progress: 100, RunID: "r7"}
	if p != want {
		t.Errorf("Progress = %+v, want %+v", p, want)
	}

	got, err := s.Result(ctx, "f1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if diff := cmp.Diff(res, got); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStore_ResultIsACopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveResult(ctx, "f1", sampleResult(450))

	a, _ := s.Result(ctx, "f1")
	a.CryEpisodes[0].Confidence = 0
	b, _ := s.Result(ctx, "f1")
	if b.CryEpisodes[0].Confidence != 0.8 {
		t.Errorf("stored result was mutated through a returned copy")
	}
}

func TestMemoryStore_SaveResultReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveResult(ctx, "f1", sampleResult(450, 500, 550))
	_ = s.SaveResult(ctx, "f1", sampleResult(450))

	got, err := s.Result(ctx, "f1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(got.CryEpisodes) != 1 {
		t.Errorf("episodes = %d, want 1", len(got.CryEpisodes))
	}
	if _, err := s.SimilarEpisodes(ctx, "f1", "episode_2", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("fingerprint of replaced episode still indexed: err = %v", err)
	}
}

func TestMemoryStore_ResultNotFound(t *testing.T) {
	t.Parallel()
	if _, err := NewMemoryStore().Result(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SimilarEpisodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveResult(ctx, "a", sampleResult(450, 900))
	_ = s.SaveResult(ctx, "b", sampleResult(460))

	got, err := s.SimilarEpisodes(ctx, "a", "episode_0", 10)
	if err != nil {
		t.Fatalf("SimilarEpisodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2: %+v", len(got), got)
	}
	if got[0].FileID != "b" || got[0].Episode != "episode_0" {
		t.Errorf("nearest = %s/%s, want b/episode_0", got[0].FileID, got[0].Episode)
	}
	if got[0].Distance > got[1].Distance {
		t.Errorf("matches not ordered by distance: %+v", got)
	}
	for _, m := range got {
		if m.FileID == "a" && m.Episode == "episode_0" {
			t.Errorf("query episode returned as its own match")
		}
	}

	limited, err := s.SimilarEpisodes(ctx, "a", "episode_0", 1)
	if err != nil {
		t.Fatalf("SimilarEpisodes(k=1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("k=1 returned %d matches", len(limited))
	}
}

func TestMemoryStore_SimilarEpisodesUnknown(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	_ = s.SaveResult(context.Background(), "a", sampleResult(450))
	_, err := s.SimilarEpisodes(context.Background(), "a", "episode_9", 3)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.SetProgress(ctx, "f", types.Progress{Status: types.StatusProcessing, Progress: i})
			_ = s.SaveResult(ctx, "f", sampleResult(float64(400+i)))
			_, _ = s.Result(ctx, "f")
			_, _ = s.SimilarEpisodes(ctx, "f", "episode_0", 1)
		}()
	}
	wg.Wait()

	p, err := s.Progress(ctx, "f")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Status != types.StatusCompleted && p.Status != types.StatusProcessing {
		t.Errorf("unexpected status %q", p.Status)
	}
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, want: 0},
		{name: "scaled", a: []float64{1, 0}, b: []float64{5, 0}, want: 0},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 1},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: 2},
		{name: "zero vector", a: []float64{0, 0}, b: []float64{1, 1}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := cosineDistance(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("cosineDistance = %v, want %v", got, tt.want)
			}
		})
	}
}
