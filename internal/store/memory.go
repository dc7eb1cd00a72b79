package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/cryscope/pkg/types"
)

// Compile-time assertion that MemoryStore satisfies the Store interface.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe, in-memory implementation of [Store].
// Results are kept in their JSON encoding so callers never share memory with
// the store. Similar-episode search is a linear scan.
type MemoryStore struct {
	mu       sync.RWMutex
	progress map[string]types.Progress
	results  map[string][]byte
	prints   map[string][]episodeFingerprint
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress: make(map[string]types.Progress),
		results:  make(map[string][]byte),
		prints:   make(map[string][]episodeFingerprint),
	}
}

// SetProgress implements [Store.SetProgress].
func (s *MemoryStore) SetProgress(ctx context.Context, fileID string, p types.Progress) error {
	if !p.Status.IsValid() {
		return fmt.Errorf("store: invalid status %q", p.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[fileID] = p
	return nil
}

// Progress implements [Store.Progress].
func (s *MemoryStore) Progress(ctx context.Context, fileID string) (types.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[fileID]
	if !ok {
		return types.Progress{}, ErrNotFound
	}
	return p, nil
}

// SaveResult implements [Store.SaveResult]. The run ID of the completed
// status is taken from the progress stored last.
func (s *MemoryStore) SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error {
	if res == nil {
		return fmt.Errorf("store: save result: nil result")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	prints := fingerprints(res)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[fileID] = data
	s.prints[fileID] = prints
	s.progress[fileID] = completed(s.progress[fileID].RunID)
	return nil
}

// Result implements [Store.Result].
func (s *MemoryStore) Result(ctx context.Context, fileID string) (*types.AnalysisResult, error) {
	s.mu.RLock()
	data, ok := s.results[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var res types.AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &res, nil
}

// SimilarEpisodes implements [Store.SimilarEpisodes] by cosine distance over
// every stored fingerprint.
func (s *MemoryStore) SimilarEpisodes(ctx context.Context, fileID, episode string, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query []float64
	for _, fp := range s.prints[fileID] {
		if fp.episode == episode {
			query = widen(fp.vector)
			break
		}
	}
	if query == nil {
		return nil, ErrNotFound
	}

	matches := []Match{}
	for id, prints := range s.prints {
		for _, fp := range prints {
			if id == fileID && fp.episode == episode {
				continue
			}
			matches = append(matches, Match{
				FileID:   id,
				Episode:  fp.episode,
				Distance: cosineDistance(query, widen(fp.vector)),
			})
		}
	}
	slices.SortFunc(matches, func(a, b Match) int {
		return cmp.Or(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.FileID, b.FileID),
			cmp.Compare(a.Episode, b.Episode),
		)
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosineDistance matches pgvector's <=> operator. A zero vector is at
// distance 1 from everything.
func cosineDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}
