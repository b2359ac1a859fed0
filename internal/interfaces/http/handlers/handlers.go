// Package handlers implements the JSON endpoint handlers of the operational
// HTTP surface. Every response carries request_id and api_latency_ms.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/coinflux/coinflux/internal/persistence"
)

type ctxKey string

// RequestIDKey is the context key under which the server middleware stores
// the per-request id.
const RequestIDKey ctxKey = "request_id"

// Trigger starts ETL runs. Satisfied by *etl.Orchestrator.
type Trigger interface {
	TriggerAsync(ctx context.Context) (string, error)
	Running() bool
}

// Handlers manages all HTTP endpoint handlers.
type Handlers struct {
	store       persistence.Store
	trigger     Trigger
	schedulerOn bool

	// refreshLimiter throttles manual triggers independently of the
	// single-flight guard.
	refreshLimiter *rate.Limiter
}

// New creates the handler set.
func New(store persistence.Store, trigger Trigger, schedulerOn bool) *Handlers {
	return &Handlers{
		store:          store,
		trigger:        trigger,
		schedulerOn:    schedulerOn,
		refreshLimiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

// ErrorResponse is the standardized error envelope.
type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	Code         string `json:"code"`
	RequestID    string `json:"request_id"`
	APILatencyMs int64  `json:"api_latency_ms"`
}

func (h *Handlers) requestID(r *http.Request) string {
	if id, ok := r.Context().Value(RequestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func latencyMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, start time.Time, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:        http.StatusText(status),
		Message:      message,
		Code:         code,
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
	})
}

// NotFound handles 404 responses.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, time.Now(), http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
