// Package health exposes the exam server's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// runs the registered dependency checks (the session database pool, the
// speech and language backends) and answers 503 until every one passes, so a
// deployment is not handed students it cannot yet examine. The response body
// names each check with its outcome and latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check. A backend slower than this is
// treated as down.
const checkTimeout = 5 * time.Second

// Checker probes one named dependency. Check returns nil when the dependency
// can serve the pipeline and an error describing the failure otherwise; it
// must respect context cancellation.
type Checker struct {
	// Name keys the check in the /readyz response (e.g. "database", "stt").
	Name string

	Check func(ctx context.Context) error
}

// checkResult is the per-dependency entry in the /readyz body.
type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// response is the body for both probe endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given dependency checks.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe. Reaching it proves the process is up.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every registered check concurrently, each under its own
// [checkTimeout], and reports 200 only when all of them pass. Checks run in
// parallel so one stalled backend cannot push the probe past the
// orchestrator's own deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		ready  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{
				Status:  "ok",
				Latency: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				ready = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	// Headers are already out; an encode failure here has nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}
