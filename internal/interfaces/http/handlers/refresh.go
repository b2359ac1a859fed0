package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/coinflux/coinflux/internal/etl"
)

// RefreshResponse is the 202 envelope returned when a run is accepted.
type RefreshResponse struct {
	RequestID    string `json:"request_id"`
	RunID        string `json:"run_id"`
	APILatencyMs int64  `json:"api_latency_ms"`
	Health       string `json:"health"`
	PreRunCounts Counts `json:"pre_run_counts"`
	Message      string `json:"message"`
}

// Counts mirrors the two collection sizes.
type Counts struct {
	Raw        int64 `json:"raw"`
	Normalized int64 `json:"normalized"`
}

// Refresh triggers an asynchronous ETL run.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !h.refreshLimiter.Allow() {
		h.writeError(w, r, start, http.StatusTooManyRequests, "rate_limited",
			"Too many refresh requests")
		return
	}

	health := "ok"
	raw, normalized, err := h.store.Sink().Counts(r.Context())
	if err != nil {
		health = "degraded"
	}

	runID, err := h.trigger.TriggerAsync(r.Context())
	if errors.Is(err, etl.ErrRunInProgress) {
		h.writeError(w, r, start, http.StatusConflict, "run_in_progress",
			"run already in progress")
		return
	}
	if err != nil {
		h.writeError(w, r, start, http.StatusInternalServerError, "trigger_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, RefreshResponse{
		RequestID:    h.requestID(r),
		RunID:        runID,
		APILatencyMs: latencyMs(start),
		Health:       health,
		PreRunCounts: Counts{Raw: raw, Normalized: normalized},
		Message:      "etl run started",
	})
}
