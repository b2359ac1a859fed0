package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// DataResponse is one page of normalized records.
type DataResponse struct {
	RequestID    string                 `json:"request_id"`
	APILatencyMs int64                  `json:"api_latency_ms"`
	Count        int                    `json:"count"`
	Records      []models.UnifiedRecord `json:"records"`
	NextCursor   string                 `json:"next_cursor,omitempty"`
}

// Data serves cursor-paginated reads over the normalized collection.
func (h *Handlers) Data(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, r, start, http.StatusBadRequest, "invalid_limit",
				"limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}

	sortBy := q.Get("sort_by")
	switch sortBy {
	case "", "timestamp", "price_usd", "symbol":
	default:
		h.writeError(w, r, start, http.StatusBadRequest, "invalid_sort",
			"sort_by must be one of timestamp, price_usd, symbol")
		return
	}

	if src := q.Get("source"); src != "" && !models.KnownSource(src) {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid_source",
			"unknown source "+src)
		return
	}

	page, err := h.store.Sink().Query(r.Context(), persistence.DataQuery{
		Source: q.Get("source"),
		Symbol: q.Get("symbol"),
		SortBy: sortBy,
		Limit:  limit,
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		h.writeError(w, r, start, http.StatusBadRequest, "query_failed", err.Error())
		return
	}

	records := page.Records
	if records == nil {
		records = []models.UnifiedRecord{}
	}
	h.writeJSON(w, http.StatusOK, DataResponse{
		RequestID:    h.requestID(r),
		APILatencyMs: latencyMs(start),
		Count:        len(records),
		Records:      records,
		NextCursor:   page.NextCursor,
	})
}
