package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/store"
	"github.com/MrWong99/cryscope/pkg/audio"
	"github.com/MrWong99/cryscope/pkg/types"
)

// maxBodyBytes bounds submit request bodies.
const maxBodyBytes = 64 << 10

// Limits of the k query parameter of /v1/episodes/similar.
const (
	defaultNeighbours = 5
	maxNeighbours     = 100
)

type submitRequest struct {
	// Path locates the recording. With a data directory it is relative to
	// it and defaults to the file ID.
	Path       string              `json:"path"`
	Parameters pipeline.Parameters `json:"parameters"`
}

type submitResponse struct {
	FileID string       `json:"file_id"`
	RunID  string       `json:"run_id"`
	Status types.Status `json:"status"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Parameters.Validate(); err != nil {
		fail(w, r, err)
		return
	}
	path, err := s.resolvePath(fileID, req.Path)
	if err != nil {
		fail(w, r, err)
		return
	}

	runID, err := s.runner.Submit(r.Context(), fileID, path, req.Parameters)
	if err != nil {
		fail(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("analysis submitted", "file_id", fileID, "run_id", runID)
	w.Header().Set("Location", "/v1/files/"+fileID+"/status")
	writeJSON(w, http.StatusAccepted, submitResponse{FileID: fileID, RunID: runID, Status: types.StatusProcessing})
}

// resolvePath maps a requested recording path onto the filesystem.
func (s *Server) resolvePath(fileID, requested string) (string, error) {
	if s.dataDir == "" {
		if requested == "" {
			return "", fmt.Errorf("%w: path is required", audio.ErrInvalidInput)
		}
		return requested, nil
	}
	if requested == "" {
		requested = fileID
	}
	if !filepath.IsLocal(requested) {
		return "", fmt.Errorf("%w: path %q leaves the data directory", audio.ErrInvalidInput, requested)
	}
	return filepath.Join(s.dataDir, requested), nil
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(r.Context(), r.PathValue("id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	p, err := s.currentStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// currentStatus reads the stored status of fileID. A file that was never
// analysed is reported as uploaded.
func (s *Server) currentStatus(ctx context.Context, fileID string) (types.Progress, error) {
	p, err := s.results.Progress(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Progress{Status: types.StatusUploaded}, nil
	}
	return p, err
}

type timelineEntry struct {
	Episode    string    `json:"episode"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	StartClock string    `json:"start_clock"`
	EndClock   string    `json:"end_clock"`
}

// resultView adds wall-clock episode times to a result.
type resultView struct {
	*types.AnalysisResult
	RecordingStart time.Time       `json:"recording_start"`
	Timeline       []timelineEntry `json:"timeline"`
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")

	var start time.Time
	if v := r.URL.Query().Get("recording_start"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "recording_start: "+err.Error())
			return
		}
		start = t
	}

	p, err := s.currentStatus(r.Context(), fileID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if p.Status != types.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("analysis is %s", p.Status))
		return
	}
	res, err := s.results.Result(r.Context(), fileID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if start.IsZero() {
		writeJSON(w, http.StatusOK, res)
		return
	}

	view := resultView{AnalysisResult: res, RecordingStart: start, Timeline: make([]timelineEntry, len(res.CryEpisodes))}
	for i, ep := range res.CryEpisodes {
		view.Timeline[i] = timelineEntry{
			Episode:    types.EpisodeKey(i),
			Start:      types.AbsoluteTime(start, ep.StartTime),
			End:        types.AbsoluteTime(start, ep.EndTime),
			StartClock: types.FormatClock(ep.StartTime),
			EndClock:   types.FormatClock(ep.EndTime),
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type similarResponse struct {
	FileID  string        `json:"file_id"`
	Episode string        `json:"episode"`
	Matches []store.Match `json:"matches"`
}

func (s *Server) similar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileID, episode := q.Get("file"), q.Get("episode")
	if fileID == "" || episode == "" {
		writeError(w, http.StatusBadRequest, "file and episode are required")
		return
	}
	k := defaultNeighbours
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxNeighbours {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("k must be an integer in [1, %d]", maxNeighbours))
			return
		}
		k = n
	}

	matches, err := s.results.SimilarEpisodes(r.Context(), fileID, episode, k)
	if err != nil {
		fail(w, r, err)
		return
	}
	if matches == nil {
		matches = []store.Match{}
	}
	writeJSON(w, http.StatusOK, similarResponse{FileID: fileID, Episode: episode, Matches: matches})
}
