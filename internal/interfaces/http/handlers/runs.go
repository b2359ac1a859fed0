package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/coinflux/coinflux/internal/persistence"
)

// RunsResponse lists recent ledger entries, newest first.
type RunsResponse struct {
	RequestID    string                 `json:"request_id"`
	APILatencyMs int64                  `json:"api_latency_ms"`
	Runs         []persistence.RunEntry `json:"runs"`
}

// RunResponse is one ledger entry.
type RunResponse struct {
	RequestID    string               `json:"request_id"`
	APILatencyMs int64                `json:"api_latency_ms"`
	RunID        string               `json:"run_id"`
	Run          persistence.RunEntry `json:"run"`
}

// Runs serves the recent run history.
func (h *Handlers) Runs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.store.Ledger().ListRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, start, http.StatusInternalServerError, "ledger_failed", err.Error())
		return
	}
	if runs == nil {
		runs = []persistence.RunEntry{}
	}

	h.writeJSON(w, http.StatusOK, RunsResponse{
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
		Runs:         runs,
	})
}

// RunByID serves one run's ledger entry.
func (h *Handlers) RunByID(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runID := mux.Vars(r)["id"]

	entry, err := h.store.Ledger().GetByID(r.Context(), runID)
	if err != nil {
		h.writeError(w, r, start, http.StatusInternalServerError, "ledger_failed", err.Error())
		return
	}
	if entry == nil {
		h.writeError(w, r, start, http.StatusNotFound, "run_not_found",
			"no run with id "+runID)
		return
	}

	h.writeJSON(w, http.StatusOK, RunResponse{
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
		RunID:        entry.RunID,
		Run:          *entry,
	})
}
