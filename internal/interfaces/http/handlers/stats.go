package handlers

import (
	"net/http"
	"time"

	"github.com/coinflux/coinflux/internal/persistence"
)

// statsWindow bounds how many recent runs feed the aggregate figures.
const statsWindow = 20

// StatsResponse summarizes collection sizes and recent run behavior.
type StatsResponse struct {
	RequestID    string      `json:"request_id"`
	APILatencyMs int64       `json:"api_latency_ms"`
	Counts       Counts      `json:"counts"`
	LatencyAvgMs int64       `json:"latency_avg_ms"`
	ErrorRate    float64     `json:"error_rate"`
	Incremental  Incremental `json:"incremental"`
}

// Incremental reports the dedup effect of watermark loading.
type Incremental struct {
	LastRunNewRecords        int `json:"last_run_new_records"`
	LastRunSkipped           int `json:"last_run_skipped"`
	TotalDuplicatePrevention int `json:"total_duplicate_prevention"`
}

// Stats serves counts plus a summary over the recent run window.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	raw, normalized, err := h.store.Sink().Counts(r.Context())
	if err != nil {
		h.writeError(w, r, start, http.StatusInternalServerError, "counts_failed", err.Error())
		return
	}

	runs, err := h.store.Ledger().ListRecent(r.Context(), statsWindow)
	if err != nil {
		h.writeError(w, r, start, http.StatusInternalServerError, "ledger_failed", err.Error())
		return
	}

	resp := StatsResponse{
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
		Counts:       Counts{Raw: raw, Normalized: normalized},
	}

	if len(runs) > 0 {
		var totalLatency int64
		var failed int
		for _, run := range runs {
			totalLatency += run.TotalLatencyMs
			if run.Status != persistence.StatusSuccess {
				failed++
			}
			resp.Incremental.TotalDuplicatePrevention += run.SkippedRecords()
		}
		resp.LatencyAvgMs = totalLatency / int64(len(runs))
		resp.ErrorRate = float64(failed) / float64(len(runs))
		resp.Incremental.LastRunNewRecords = runs[0].NewRecords()
		resp.Incremental.LastRunSkipped = runs[0].SkippedRecords()
	}

	h.writeJSON(w, http.StatusOK, resp)
}
