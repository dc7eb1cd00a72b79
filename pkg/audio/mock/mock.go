// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests can
// assert on call counts and arguments, and exposes exported fields that the
// test sets to control return values.
//
// Typical usage:
//
//	wf, _ := audio.NewWaveform(samples, 22050)
//	src := &mock.Source{Waveform: wf}
//	got, err := src.Load(ctx, "cry.wav")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cryscope/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Waveform is returned by [Source.Load] when Err is nil.
	Waveform *audio.Waveform

	// Waveforms overrides Waveform per path when set.
	Waveforms map[string]*audio.Waveform

	// Err is returned by [Source.Load] when non-nil.
	Err error

	// LoadFunc, when set, replaces the canned results entirely. It may block
	// on ctx to simulate slow decoding.
	LoadFunc func(ctx context.Context, path string) (*audio.Waveform, error)

	// LoadCalls records the path of every call.
	LoadCalls []string
}

var _ audio.Source = (*Source)(nil)

// Load implements [audio.Source].
func (s *Source) Load(ctx context.Context, path string) (*audio.Waveform, error) {
	s.mu.Lock()
	s.LoadCalls = append(s.LoadCalls, path)
	fn := s.LoadFunc
	wf, err := s.Waveform, s.Err
	if w, ok := s.Waveforms[path]; ok {
		wf = w
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// CallCount returns the number of Load calls so far.
func (s *Source) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.LoadCalls)
}
