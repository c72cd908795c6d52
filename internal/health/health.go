// Package health provides the liveness and readiness HTTP handlers the turn
// engine exposes for orchestration platforms (Kubernetes, systemd watchdogs,
// or a load balancer's health check) to probe.
//
// Two endpoints are served:
//
//   - /healthz — liveness probe; always returns 200 OK so long as the process
//     can serve HTTP.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes within its timeout budget.
//
// Responses are JSON objects with "status" ("ok" or "fail"), a "checks" map
// of per-dependency outcomes, and a "latency_ms" map of how long each check
// took, which operators use to spot a slow-but-passing dependency before it
// starts failing outright.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// defaultTimeout bounds a single readiness check when the [Handler] was not
// given an explicit timeout via [Handler.WithTimeout].
const defaultTimeout = 5 * time.Second

// Checker is a named readiness probe. Check must respect context
// cancellation and return nil exactly when the dependency is usable.
type Checker struct {
	// Name labels this check in the JSON response, e.g. "store", "llm",
	// "retriever".
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

type result struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	LatencyMs map[string]int64  `json:"latency_ms,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time, though the timeout can still be
// adjusted afterward via [Handler.WithTimeout].
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New builds a [Handler] that runs checkers sequentially, in the order
// given, on every /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, timeout: defaultTimeout}
}

// WithTimeout overrides the per-check timeout (default 5s) and returns the
// receiver for chaining, e.g. health.New(checkers...).WithTimeout(2*time.Second).
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// Healthz always answers 200; a process able to serve this request is alive
// by definition.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every registered [Checker], each under its own timeout derived
// from the request context, and answers 503 if any of them fail.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	latency := make(map[string]int64, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		start := time.Now()
		err := c.Check(ctx)
		latency[c.Name] = time.Since(start).Milliseconds()
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks, LatencyMs: latency}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register wires /healthz and /readyz onto mux, for callers that want the
// package's own route names rather than composing them manually the way
// [api.New] does for /health/live and /health/ready.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
