// Package store persists analysis progress and results.
//
// A [Store] keeps, per file, the latest [types.Progress] and the latest
// successful [types.AnalysisResult]. SaveResult replaces the previous result
// and marks the file completed in one step, so a reader never sees a
// completed status without its result or a half-written result.
//
// Two implementations exist: [MemoryStore] for the CLI and tests, and
// [PostgresStore] which additionally indexes per-episode fingerprints with
// pgvector for similar-episode search.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/cryscope/internal/stats"
	"github.com/MrWong99/cryscope/pkg/types"
)

// ErrNotFound is returned when a file has no stored progress or result, or
// a referenced episode does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNoIndex is returned by SimilarEpisodes when fingerprint indexing is
// disabled.
var ErrNoIndex = errors.New("store: fingerprint index disabled")

// Match is one result of a similar-episode search.
type Match struct {
	FileID  string `json:"file_id"`
	Episode string `json:"episode"`

	// Distance is the cosine distance to the query episode, in [0, 2].
	Distance float64 `json:"distance"`
}

// Store persists progress and results. Implementations are safe for
// concurrent use.
type Store interface {
	// SetProgress records the current progress of fileID.
	SetProgress(ctx context.Context, fileID string, p types.Progress) error

	// Progress returns the latest progress of fileID, or [ErrNotFound].
	Progress(ctx context.Context, fileID string) (types.Progress, error)

	// SaveResult replaces the result of fileID and marks it completed,
	// atomically.
	SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error

	// Result returns the latest saved result of fileID, or [ErrNotFound].
	Result(ctx context.Context, fileID string) (*types.AnalysisResult, error)

	// SimilarEpisodes returns up to k episodes of any file whose fingerprints
	// are closest to the given episode, nearest first, excluding the episode
	// itself.
	SimilarEpisodes(ctx context.Context, fileID, episode string, k int) ([]Match, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// completed is the status SaveResult writes.
func completed(runID string) types.Progress {
	return types.Progress{
		Status:   types.StatusCompleted,
		Message:  "Analysis completed",
		Progress: 100,
		RunID:    runID,
	}
}

// episodeFingerprint is the fingerprint of one episode of a result.
type episodeFingerprint struct {
	episode string
	vector  []float32
}

// fingerprints computes the fingerprint of every episode in res, in episode
// order.
func fingerprints(res *types.AnalysisResult) []episodeFingerprint {
	out := make([]episodeFingerprint, 0, len(res.CryEpisodes))
	for i := range res.CryEpisodes {
		key := types.EpisodeKey(i)
		out = append(out, episodeFingerprint{
			episode: key,
			vector:  stats.Fingerprint(res.Statistics[key], res.CryUnits[key]),
		})
	}
	return out
}
