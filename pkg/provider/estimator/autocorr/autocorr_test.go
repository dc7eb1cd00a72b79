package autocorr_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/cryscope/pkg/provider/estimator"
	"github.com/MrWong99/cryscope/pkg/provider/estimator/autocorr"
)

const rate = 22050

// frameLen is a 40 ms analysis frame.
const frameLen = rate * 40 / 1000

func harmonic(f0 float64, harmonics int, n int) []float64 {
	x := make([]float64, n)
	for h := 1; h <= harmonics; h++ {
		amp := 0.5 / float64(h)
		for i := range x {
			x[i] += amp * math.Sin(2*math.Pi*f0*float64(h)*float64(i)/rate)
		}
	}
	return x
}

// noise returns deterministic pseudo-random samples in [-amp, amp].
func noise(n int, amp float64) []float64 {
	x := make([]float64, n)
	seed := uint32(7)
	for i := range x {
		seed = seed*1664525 + 1013904223
		x[i] = amp * (2*float64(seed>>8)/float64(1<<24) - 1)
	}
	return x
}

func newEstimator(t *testing.T) *autocorr.Estimator {
	t.Helper()
	e, err := autocorr.New(autocorr.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEstimate_PureTone(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)

	for _, f0 := range []float64{300, 440, 650, 1200} {
		est, err := e.Estimate(harmonic(f0, 1, frameLen), rate)
		if err != nil {
			t.Fatalf("f0=%v: %v", f0, err)
		}
		if est.F0 == nil {
			t.Fatalf("f0=%v: no pitch detected", f0)
		}
		if math.Abs(*est.F0-f0)/f0 > 0.01 {
			t.Errorf("F0 = %.1f, want %.1f", *est.F0, f0)
		}
		if est.HNR == nil || *est.HNR < 20 {
			t.Errorf("f0=%v: HNR = %v, want > 20 dB", f0, est.HNR)
		}
		if est.Jitter == nil || *est.Jitter > 1 {
			t.Errorf("f0=%v: jitter = %v, want < 1%%", f0, est.Jitter)
		}
		if est.Shimmer == nil || *est.Shimmer > 1 {
			t.Errorf("f0=%v: shimmer = %v, want < 1%%", f0, est.Shimmer)
		}
	}
}

func TestEstimate_HarmonicStack(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)

	x := harmonic(480, 8, frameLen)
	for i, v := range noise(frameLen, 0.01) {
		x[i] += v
	}
	est, err := e.Estimate(x, rate)
	if err != nil {
		t.Fatal(err)
	}
	if est.F0 == nil || math.Abs(*est.F0-480) > 5 {
		t.Fatalf("F0 = %v, want ≈480", est.F0)
	}
	var prev float64
	for i, f := range est.Formants {
		if f == nil {
			continue
		}
		if *f <= prev {
			t.Errorf("F%d = %v not above previous %v", i+1, *f, prev)
		}
		prev = *f
	}
}

func TestEstimate_Silence(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)

	est, err := e.Estimate(make([]float64, frameLen), rate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if est != (estimator.Estimate{}) {
		t.Errorf("silence produced %+v, want all nil", est)
	}
}

func TestEstimate_NoiseIsUnvoiced(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)

	est, err := e.Estimate(noise(frameLen, 0.3), rate)
	if err != nil {
		t.Fatal(err)
	}
	if est.Voiced() {
		t.Errorf("noise detected as voiced at %.1f Hz", *est.F0)
	}
	if est.HNR != nil || est.Jitter != nil || est.Shimmer != nil || est.Formants[0] != nil {
		t.Errorf("unvoiced frame carries measures: %+v", est)
	}
}

func TestEstimate_FrameTooShort(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)

	_, err := e.Estimate(harmonic(440, 1, 50), rate)
	if !errors.Is(err, estimator.ErrFrameTooShort) {
		t.Errorf("err = %v, want ErrFrameTooShort", err)
	}
	if _, err := e.Estimate(harmonic(440, 1, frameLen), 0); err == nil {
		t.Error("zero sample rate accepted")
	}
}

func TestNew_InvalidRange(t *testing.T) {
	t.Parallel()

	_, err := autocorr.New(autocorr.Config{PitchFloor: 800, PitchCeiling: 400})
	if err == nil {
		t.Error("inverted pitch range accepted")
	}
	e, err := autocorr.New(autocorr.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Config(); got != autocorr.DefaultConfig() {
		t.Errorf("zero config not defaulted: %+v", got)
	}
}

func TestEstimate_DeterministicAcrossGoroutines(t *testing.T) {
	t.Parallel()
	e := newEstimator(t)
	x := harmonic(520, 5, frameLen)

	want, err := e.Estimate(x, rate)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]estimator.Estimate, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = e.Estimate(x, rate)
		}()
	}
	wg.Wait()

	for i, got := range results {
		if !sameFloat(got.F0, want.F0) || !sameFloat(got.HNR, want.HNR) ||
			!sameFloat(got.Jitter, want.Jitter) || !sameFloat(got.Shimmer, want.Shimmer) {
			t.Fatalf("goroutine %d: got %+v, want %+v", i, got, want)
		}
		for k := range got.Formants {
			if !sameFloat(got.Formants[k], want.Formants[k]) {
				t.Fatalf("goroutine %d: formant %d differs", i, k)
			}
		}
	}
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
