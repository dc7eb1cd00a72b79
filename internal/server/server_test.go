package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/cryscope/internal/jobs"
	"github.com/MrWong99/cryscope/internal/pipeline"
	"github.com/MrWong99/cryscope/internal/server"
	"github.com/MrWong99/cryscope/internal/store"
	"github.com/MrWong99/cryscope/pkg/types"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type submitCall struct {
	fileID string
	path   string
	params pipeline.Parameters
}

type fakeRunner struct {
	mu        sync.Mutex
	submits   []submitCall
	submitErr error
	cancelErr error
	cancelled []string
	hub       *jobs.Hub
}

func newFakeRunner() *fakeRunner { return &fakeRunner{hub: jobs.NewHub()} }

func (f *fakeRunner) Submit(_ context.Context, fileID, path string, params pipeline.Parameters) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits = append(f.submits, submitCall{fileID: fileID, path: path, params: params})
	return "run-1", nil
}

func (f *fakeRunner) Cancel(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, fileID)
	return nil
}

func (f *fakeRunner) Active(string) (jobs.RunInfo, bool) { return jobs.RunInfo{}, false }

func (f *fakeRunner) Subscribe(fileID string) (<-chan types.Progress, func()) {
	return f.hub.Subscribe(fileID)
}

func completedResult() *types.AnalysisResult {
	res := types.NewAnalysisResult()
	res.CryEpisodes = []types.CryEpisode{{StartTime: 1.5, EndTime: 3.25, Duration: 1.75, Confidence: 0.8}}
	res.AcousticFeatures["episode_0"] = []types.AcousticFrame{{Time: 1.5, F0: types.Float(450), Intensity: 70}}
	res.Statistics["episode_0"] = types.EpisodeStatistics{}
	res.CryUnits["episode_0"] = types.EpisodeUnitsSummary{}
	return res
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Submit / cancel
// ---------------------------------------------------------------------------

func TestSubmit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		dataDir   string
		body      string
		submitErr error
		wantCode  int
		wantPath  string
	}{
		{name: "explicit path", body: `{"path":"/rec/a.wav"}`, wantCode: http.StatusAccepted, wantPath: "/rec/a.wav"},
		{name: "data dir default", dataDir: "/data", body: ``, wantCode: http.StatusAccepted, wantPath: "/data/f1"},
		{name: "data dir relative", dataDir: "/data", body: `{"path":"night/a.mp3"}`, wantCode: http.StatusAccepted, wantPath: "/data/night/a.mp3"},
		{name: "escapes data dir", dataDir: "/data", body: `{"path":"../etc/passwd"}`, wantCode: http.StatusBadRequest},
		{name: "missing path", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"path":"a.wav","speed":2}`, wantCode: http.StatusBadRequest},
		{name: "bad parameter", body: `{"path":"a.wav","parameters":{"min_cry_duration":60}}`, wantCode: http.StatusBadRequest},
		{name: "queue full", body: `{"path":"a.wav"}`, submitErr: jobs.ErrQueueFull, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := newFakeRunner()
			runner.submitErr = tt.submitErr
			h := server.New(runner, store.NewMemoryStore(), server.WithDataDir(tt.dataDir)).Handler()

			rec := do(t, h, http.MethodPost, "/v1/files/f1/analysis", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode != http.StatusAccepted {
				if len(runner.submits) != 0 {
					t.Errorf("runner received %d submits", len(runner.submits))
				}
				if tt.wantCode == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
					t.Error("no Retry-After header")
				}
				return
			}
			body := decode[map[string]string](t, rec)
			if body["run_id"] != "run-1" || body["status"] != "processing" {
				t.Errorf("body = %v", body)
			}
			if got := runner.submits[0].path; got != tt.wantPath {
				t.Errorf("path = %q, want %q", got, tt.wantPath)
			}
		})
	}
}

func TestSubmit_PassesParameters(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	h := server.New(runner, store.NewMemoryStore()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/files/f1/analysis", `{"path":"a.wav","parameters":{"min_cry_duration":0.5,"high_pitch_threshold":600}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d", rec.Code)
	}
	p := runner.submits[0].params
	if p.MinCryDuration == nil || *p.MinCryDuration != 0.5 || p.HighPitchThreshold == nil || *p.HighPitchThreshold != 600 {
		t.Errorf("params = %+v", p)
	}
	if p.EnergyThreshold != nil {
		t.Error("unset parameter was filled")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	h := server.New(runner, store.NewMemoryStore()).Handler()

	if rec := do(t, h, http.MethodDelete, "/v1/files/f1/analysis", ""); rec.Code != http.StatusNoContent {
		t.Errorf("code = %d, want 204", rec.Code)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != "f1" {
		t.Errorf("cancelled = %v", runner.cancelled)
	}

	runner.cancelErr = jobs.ErrNoActiveRun
	if rec := do(t, h, http.MethodDelete, "/v1/files/f1/analysis", ""); rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Status / result
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	h := server.New(newFakeRunner(), st).Handler()

	rec := do(t, h, http.MethodGet, "/v1/files/new/status", "")
	if got := decode[types.Progress](t, rec); got.Status != types.StatusUploaded || got.Progress != 0 {
		t.Errorf("unknown file status = %+v, want uploaded", got)
	}

	want := types.Progress{Status: types.StatusProcessing, Message: "Episode 1/2 analysed", Progress: 65, RunID: "r"}
	_ = st.SetProgress(context.Background(), "f1", want)
	rec = do(t, h, http.MethodGet, "/v1/files/f1/status", "")
	if got := decode[types.Progress](t, rec); got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}

func TestResult(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	h := server.New(newFakeRunner(), st).Handler()
	ctx := context.Background()

	if rec := do(t, h, http.MethodGet, "/v1/files/f1/result", ""); rec.Code != http.StatusConflict {
		t.Errorf("result before analysis: code = %d, want 409", rec.Code)
	}

	_ = st.SetProgress(ctx, "f1", types.Progress{Status: types.StatusProcessing, Progress: 40})
	if rec := do(t, h, http.MethodGet, "/v1/files/f1/result", ""); rec.Code != http.StatusConflict {
		t.Errorf("result while processing: code = %d, want 409", rec.Code)
	}

	if err := st.SaveResult(ctx, "f1", completedResult()); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	rec := do(t, h, http.MethodGet, "/v1/files/f1/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decode[map[string]json.RawMessage](t, rec)
	for _, key := range []string{"cry_episodes", "acoustic_features", "statistics", "cry_units"} {
		if _, ok := body[key]; !ok {
			t.Errorf("result lacks %q", key)
		}
	}
	if _, ok := body["timeline"]; ok {
		t.Error("timeline present without recording_start")
	}
}

func TestResult_RecordingStart(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	_ = st.SaveResult(context.Background(), "f1", completedResult())
	h := server.New(newFakeRunner(), st).Handler()

	rec := do(t, h, http.MethodGet, "/v1/files/f1/result?recording_start=2026-03-01T22:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body)
	}
	var view struct {
		CryEpisodes []types.CryEpisode `json:"cry_episodes"`
		Timeline    []struct {
			Episode    string    `json:"episode"`
			Start      time.Time `json:"start"`
			End        time.Time `json:"end"`
			StartClock string    `json:"start_clock"`
			EndClock   string    `json:"end_clock"`
		} `json:"timeline"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.CryEpisodes) != 1 || len(view.Timeline) != 1 {
		t.Fatalf("episodes %d, timeline %d; want 1 each", len(view.CryEpisodes), len(view.Timeline))
	}
	e := view.Timeline[0]
	wantStart := time.Date(2026, 3, 1, 22, 0, 1, 500_000_000, time.UTC)
	if e.Episode != "episode_0" || !e.Start.Equal(wantStart) || !e.End.Equal(wantStart.Add(1750*time.Millisecond)) {
		t.Errorf("timeline = %+v", e)
	}
	if e.StartClock != "00:00:01.500" || e.EndClock != "00:00:03.250" {
		t.Errorf("clocks = %s, %s", e.StartClock, e.EndClock)
	}

	if rec := do(t, h, http.MethodGet, "/v1/files/f1/result?recording_start=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad recording_start: code = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Similar episodes
// ---------------------------------------------------------------------------

type noIndexStore struct{ *store.MemoryStore }

func (noIndexStore) SimilarEpisodes(context.Context, string, string, int) ([]store.Match, error) {
	return nil, store.ErrNoIndex
}

func TestSimilar(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := st.SaveResult(ctx, id, completedResult()); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}
	h := server.New(newFakeRunner(), st).Handler()

	rec := do(t, h, http.MethodGet, "/v1/episodes/similar?file=a&episode=episode_0&k=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body)
	}
	var body struct {
		Matches []store.Match `json:"matches"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Matches) != 1 || body.Matches[0].FileID == "a" {
		t.Errorf("matches = %+v, want one match from another file", body.Matches)
	}

	tests := []struct {
		name     string
		results  server.Results
		query    string
		wantCode int
	}{
		{name: "missing episode", results: st, query: "file=a", wantCode: http.StatusBadRequest},
		{name: "bad k", results: st, query: "file=a&episode=episode_0&k=0", wantCode: http.StatusBadRequest},
		{name: "unknown episode", results: st, query: "file=zzz&episode=episode_0", wantCode: http.StatusNotFound},
		{name: "index disabled", results: noIndexStore{st}, query: "file=a&episode=episode_0", wantCode: http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := server.New(newFakeRunner(), tt.results).Handler()
			if rec := do(t, h, http.MethodGet, "/v1/episodes/similar?"+tt.query, ""); rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []server.Checker
		wantCode int
	}{
		{name: "no checkers", wantCode: http.StatusOK},
		{
			name:     "store up",
			checkers: []server.Checker{{Name: "store", Check: func(context.Context) error { return nil }}},
			wantCode: http.StatusOK,
		},
		{
			name: "store down",
			checkers: []server.Checker{
				{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "estimator", Check: func(context.Context) error { return nil }},
			},
			wantCode: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := server.New(newFakeRunner(), store.NewMemoryStore(), server.WithCheckers(tt.checkers...)).Handler()
			rec := do(t, h, http.MethodGet, "/readyz", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Status string `json:"status"`
				Checks map[string]struct {
					Status string `json:"status"`
					Error  string `json:"error"`
				} `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v", body.Checks)
			}
			if tt.wantCode != http.StatusOK {
				if body.Status != "fail" || body.Checks["store"].Error != "connection refused" || body.Checks["estimator"].Status != "ok" {
					t.Errorf("body = %+v", body)
				}
			}
		})
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()
	h := server.New(newFakeRunner(), store.NewMemoryStore()).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("healthz: code %d, content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics: code %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func dialEvents(t *testing.T, srv *httptest.Server, fileID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/files/" + fileID + "/events"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readProgress(t *testing.T, c *websocket.Conn) types.Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var p types.Progress
	if err := wsjson.Read(ctx, c, &p); err != nil {
		t.Fatalf("read: %v", err)
	}
	return p
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	runner := newFakeRunner()
	_ = st.SetProgress(context.Background(), "f1", types.Progress{Status: types.StatusProcessing, Message: "Audio loaded", Progress: 10})
	srv := httptest.NewServer(server.New(runner, st).Handler())
	defer srv.Close()

	c := dialEvents(t, srv, "f1")
	if first := readProgress(t, c); first.Progress != 10 {
		t.Fatalf("first event = %+v, want the stored status", first)
	}

	// The handler subscribes before sending the stored status.
	for runner.hub.Subscribers("f1") == 0 {
		time.Sleep(time.Millisecond)
	}
	runner.hub.Publish(context.Background(), "f1", types.Progress{Status: types.StatusProcessing, Message: "Found 2 cry episodes", Progress: 40})
	runner.hub.Publish(context.Background(), "f1", types.Progress{Status: types.StatusCompleted, Message: "Analysis completed", Progress: 100})

	if p := readProgress(t, c); p.Progress != 40 {
		t.Errorf("second event = %+v", p)
	}
	if p := readProgress(t, c); p.Status != types.StatusCompleted {
		t.Errorf("third event = %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
}

func TestEvents_IdleFileClosesImmediately(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(server.New(newFakeRunner(), store.NewMemoryStore()).Handler())
	defer srv.Close()

	c := dialEvents(t, srv, "f1")
	if p := readProgress(t, c); p.Status != types.StatusUploaded {
		t.Errorf("event = %+v, want uploaded", p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}
}
