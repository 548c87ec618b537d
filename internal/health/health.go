// Package health serves liveness and readiness probes for the gateway.
//
//   - /healthz reports liveness; a process that answers HTTP is alive.
//   - /readyz reports readiness; it passes only when every registered probe
//     passes, and lists each probe's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe.
const probeTimeout = 5 * time.Second

// Probe checks one dependency. It must respect context cancellation and
// return nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Handler evaluates readiness probes. Probes are fixed at construction.
type Handler struct {
	names  []string
	probes map[string]Probe
}

// New builds a Handler. Call Add before Register to attach probes.
func New() *Handler {
	return &Handler{probes: make(map[string]Probe)}
}

// Add attaches a named readiness probe. Later probes with the same name
// replace earlier ones. Returns h for chaining.
func (h *Handler) Add(name string, p Probe) *Handler {
	if _, ok := h.probes[name]; !ok {
		h.names = append(h.names, name)
	}
	h.probes[name] = p
	return h
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

// report is the JSON body of both endpoints.
type report struct {
	Status string                 `json:"status"`
	Probes map[string]probeResult `json:"probes,omitempty"`
}

type probeResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Probes: make(map[string]probeResult, len(h.names))}
	status := http.StatusOK

	for _, name := range h.names {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		started := time.Now()
		err := h.probes[name](ctx)
		cancel()

		res := probeResult{Status: "ok", Elapsed: time.Since(started).Round(time.Millisecond).String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
		rep.Probes[name] = res
	}

	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
