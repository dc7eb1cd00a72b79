package server

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the /readyz response, e.g. "store".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

type healthBody struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// health serves the liveness and readiness probes.
type health struct {
	checkers []Checker
}

// healthz reports that the process serves HTTP.
func (h *health) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
}

// readyz runs every checker concurrently and answers 503 when one fails.
func (h *health) readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]checkResult, len(h.checkers))
		allOK  = true
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = res
			if err != nil {
				allOK = false
			}
		}()
	}
	wg.Wait()

	body := healthBody{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
