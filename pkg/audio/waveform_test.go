package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/cryscope/pkg/audio"
)

func TestNewWaveform_Validation(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		rate    int
		wantErr bool
	}{
		{"empty is valid", nil, 22050, false},
		{"normal", []float64{0, 0.5, -1, 1}, 16000, false},
		{"rate too low", []float64{0}, 1000, true},
		{"rate zero", []float64{0}, 0, true},
		{"nan sample", []float64{0, math.NaN()}, 16000, true},
		{"inf sample", []float64{math.Inf(-1)}, 16000, true},
		{"clipped sample", []float64{1.5}, 16000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.NewWaveform(tt.samples, tt.rate)
			if tt.wantErr {
				if !errors.Is(err, audio.ErrInvalidInput) {
					t.Errorf("err = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWaveform_DurationAndSlice(t *testing.T) {
	wf, err := audio.NewWaveform(make([]float64, 16000), 8000)
	if err != nil {
		t.Fatal(err)
	}
	if got := wf.Duration(); got != 2 {
		t.Errorf("Duration = %v, want 2", got)
	}
	if got := len(wf.Slice(0.5, 1.0)); got != 4000 {
		t.Errorf("len(Slice(0.5, 1.0)) = %d, want 4000", got)
	}
	if got := len(wf.Slice(1.5, 9)); got != 4000 {
		t.Errorf("Slice past end should clamp, got %d samples", got)
	}
	if got := wf.Slice(1.0, 0.5); got != nil {
		t.Errorf("inverted Slice should be nil, got %d samples", len(got))
	}
	if got := wf.Index(-1); got != 0 {
		t.Errorf("Index(-1) = %d, want 0", got)
	}
}
