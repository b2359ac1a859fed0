package handlers

import (
	"net/http"
	"time"
)

// HealthResponse reports per-component health.
type HealthResponse struct {
	RequestID    string     `json:"request_id"`
	APILatencyMs int64      `json:"api_latency_ms"`
	Status       string     `json:"status"`
	Components   Components `json:"components"`
	LastRun      string     `json:"last_run,omitempty"`
}

// Components enumerates the health of each subsystem.
type Components struct {
	API         string `json:"api"`
	DBConnected bool   `json:"db_connected"`
	DBPingMs    int64  `json:"db_ping_ms"`
	Scheduler   string `json:"scheduler"`
}

// Health serves the component health snapshot.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	pingStart := time.Now()
	pingErr := h.store.Ping(r.Context())
	pingMs := time.Since(pingStart).Milliseconds()

	scheduler := "disabled"
	if h.schedulerOn {
		scheduler = "enabled"
	}

	status := "ok"
	if pingErr != nil {
		status = "degraded"
	}

	resp := HealthResponse{
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
		Status:       status,
		Components: Components{
			API:         "ok",
			DBConnected: pingErr == nil,
			DBPingMs:    pingMs,
			Scheduler:   scheduler,
		},
	}

	if runs, err := h.store.Ledger().ListRecent(r.Context(), 1); err == nil && len(runs) > 0 {
		resp.LastRun = runs[0].Status
	}

	code := http.StatusOK
	if pingErr != nil {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}
