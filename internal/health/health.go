// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz reports model handle states, the active session count, the
//     load-shedding flag and the archive state. It always answers 200; the
//     top-level status is "ok" or "degraded".
//   - /readyz answers 200 only while the gateway can take new sessions: no
//     model failed to load, memory shedding is off and every registered
//     [Checker] passes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/internal/archive"
	"github.com/MrWong99/voxgate/internal/pool"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Archive states reported by /healthz.
const (
	ArchiveDisabled = "disabled"
	ArchiveOK       = "ok"
	ArchiveDegraded = "degraded"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the /readyz response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Sessions is the part of the gateway that health reports on.
type Sessions interface {
	ActiveSessions() int
	Shedding() bool
}

// Status is the /healthz response body.
type Status struct {
	Status         string        `json:"status"`
	Models         []pool.Status `json:"models"`
	ActiveSessions int           `json:"active_sessions"`
	Shedding       bool          `json:"shedding"`
	Archive        string        `json:"archive"`
}

// result is the /readyz response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithModels reports the model handles returned by fn, usually
// (*pool.Pool).Statuses.
func WithModels(fn func() []pool.Status) Option {
	return func(h *Handler) { h.models = fn }
}

// WithSessions reports the live session count and shedding flag of s.
func WithSessions(s Sessions) Option {
	return func(h *Handler) { h.sessions = s }
}

// WithArchive reports the state of the conversation archive.
func WithArchive(g *archive.Guard) Option {
	return func(h *Handler) { h.archive = g }
}

// WithChecker adds a readiness check.
func WithChecker(c Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c) }
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; its
// sources are fixed at construction time.
type Handler struct {
	models   func() []pool.Status
	sessions Sessions
	archive  *archive.Guard
	checkers []Checker
}

// New creates a [Handler]. Sources that are not configured are reported as
// empty.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Snapshot collects the current status. The archive backend is pinged so the
// report reflects its state now rather than at the last write.
func (h *Handler) Snapshot(ctx context.Context) Status {
	st := Status{Status: "ok", Models: []pool.Status{}, Archive: ArchiveDisabled}
	if h.models != nil {
		st.Models = h.models()
	}
	for _, m := range st.Models {
		if m.State == pool.StateFailed {
			st.Status = "degraded"
		}
	}
	if h.sessions != nil {
		st.ActiveSessions = h.sessions.ActiveSessions()
		st.Shedding = h.sessions.Shedding()
		if st.Shedding {
			st.Status = "degraded"
		}
	}
	if h.archive.Enabled() {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		_ = h.archive.Ping(pctx)
		cancel()
		st.Archive = ArchiveOK
		if h.archive.IsDegraded() {
			st.Archive = ArchiveDegraded
			st.Status = "degraded"
		}
	}
	return st
}

// Healthz always answers 200 with the current [Status].
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot(r.Context()))
}

// Readyz answers 200 when new sessions would be admitted and every checker
// passes, 503 otherwise. Each checker gets a [checkTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+2)
	allOK := true
	fail := func(name, reason string) {
		checks[name] = "fail: " + reason
		allOK = false
	}

	if h.models != nil {
		checks["models"] = "ok"
		for _, m := range h.models() {
			if m.State == pool.StateFailed {
				fail("models", m.Kind+": "+m.Error)
				break
			}
		}
	}
	if h.sessions != nil {
		checks["admission"] = "ok"
		if h.sessions.Shedding() {
			fail("admission", "shedding load")
		}
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			fail(c.Name, err.Error())
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
