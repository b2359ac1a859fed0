package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/config"
	"github.com/coinflux/coinflux/internal/etl"
	"github.com/coinflux/coinflux/internal/interfaces/http/handlers"
	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
	"github.com/coinflux/coinflux/internal/persistence/memory"
	"github.com/coinflux/coinflux/internal/telemetry"
)

type stubTrigger struct {
	runID   string
	running bool
}

func (t *stubTrigger) TriggerAsync(ctx context.Context) (string, error) {
	if t.running {
		return "", etl.ErrRunInProgress
	}
	return t.runID, nil
}

func (t *stubTrigger) Running() bool { return t.running }

func newTestServer(store persistence.Store, trig handlers.Trigger) (*Server, *telemetry.Metrics) {
	metrics := telemetry.NewMetrics()
	h := handlers.New(store, trig, true)
	return NewServer(config.Default().Server, h, metrics.Handler()), metrics
}

func seedRecords(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Sink().EnsureIndexes(ctx))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := store.Sink().Upsert(ctx, models.UnifiedRecord{
			Symbol:    fmt.Sprintf("SYM%02d", i),
			Name:      fmt.Sprintf("Coin %d", i),
			PriceUSD:  100 + float64(i),
			Volume24h: 1000,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Source:    models.SourceCoinpaprika,
		})
		require.NoError(t, err)
	}
}

func doJSON(t *testing.T, srv *Server, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestRefresh_AcceptedWithEnvelope(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(store, &stubTrigger{runID: "run-123"})

	rec, body := doJSON(t, srv, http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-123", body["run_id"])
	assert.NotEmpty(t, body["request_id"])
	assert.Contains(t, body, "api_latency_ms")
	assert.Contains(t, body, "pre_run_counts")
	assert.Equal(t, "etl run started", body["message"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["request_id"])
}

func TestRefresh_ConflictWhileRunning(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(store, &stubTrigger{running: true})

	rec, body := doJSON(t, srv, http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run already in progress", body["message"])
	assert.Equal(t, "run_in_progress", body["code"])
}

func TestData_PaginationRoundTrip(t *testing.T) {
	store := memory.New()
	seedRecords(t, store, 5)
	srv, _ := newTestServer(store, &stubTrigger{})

	rec, body := doJSON(t, srv, http.MethodGet, "/data?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	cursor, _ := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	first := body["records"].([]interface{})
	// Default sort is timestamp descending: newest record first.
	assert.Equal(t, "SYM04", first[0].(map[string]interface{})["symbol"])

	rec, body = doJSON(t, srv, http.MethodGet, "/data?limit=2&cursor="+cursor)
	require.Equal(t, http.StatusOK, rec.Code)
	second := body["records"].([]interface{})
	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].(map[string]interface{})["symbol"],
		second[0].(map[string]interface{})["symbol"])
	assert.Equal(t, "SYM02", second[0].(map[string]interface{})["symbol"])
}

func TestData_RejectsBadParams(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(store, &stubTrigger{})

	rec, _ := doJSON(t, srv, http.MethodGet, "/data?sort_by=volume")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv, http.MethodGet, "/data?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, srv, http.MethodGet, "/data?source=nasdaq")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats_SummarizesRuns(t *testing.T) {
	store := memory.New()
	seedRecords(t, store, 3)
	ctx := context.Background()
	require.NoError(t, store.Ledger().WriteEntry(ctx, persistence.RunEntry{
		RunID:   "r1",
		EndTime: time.Now().Add(-time.Hour),
		Status:  persistence.StatusPartialSuccess,
		SourceStats: map[string]*persistence.SourceStats{
			models.SourceCoinpaprika: {Processed: 3, SkippedByWatermark: 1},
		},
		TotalLatencyMs: 100,
	}))
	require.NoError(t, store.Ledger().WriteEntry(ctx, persistence.RunEntry{
		RunID:   "r2",
		EndTime: time.Now(),
		Status:  persistence.StatusSuccess,
		SourceStats: map[string]*persistence.SourceStats{
			models.SourceCoinpaprika: {Processed: 0, SkippedByWatermark: 3},
		},
		TotalLatencyMs: 300,
	}))

	srv, _ := newTestServer(store, &stubTrigger{})
	rec, body := doJSON(t, srv, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	counts := body["counts"].(map[string]interface{})
	assert.Equal(t, float64(3), counts["raw"])
	assert.Equal(t, float64(3), counts["normalized"])
	assert.Equal(t, float64(200), body["latency_avg_ms"])
	assert.Equal(t, 0.5, body["error_rate"])

	incr := body["incremental"].(map[string]interface{})
	assert.Equal(t, float64(0), incr["last_run_new_records"])
	assert.Equal(t, float64(3), incr["last_run_skipped"])
	assert.Equal(t, float64(4), incr["total_duplicate_prevention"])
}

func TestRuns_ListAndByID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Ledger().WriteEntry(ctx, persistence.RunEntry{
		RunID: "r1", EndTime: time.Now(), Status: persistence.StatusSuccess,
	}))

	srv, _ := newTestServer(store, &stubTrigger{})

	rec, body := doJSON(t, srv, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["runs"].([]interface{}), 1)

	rec, body = doJSON(t, srv, http.MethodGet, "/runs/r1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", body["run_id"])

	rec, body = doJSON(t, srv, http.MethodGet, "/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run_not_found", body["code"])
}

func TestHealth_ReportsComponents(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(store, &stubTrigger{})

	rec, body := doJSON(t, srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["api"])
	assert.Equal(t, true, components["db_connected"])
	assert.Equal(t, "enabled", components["scheduler"])
}

func TestMetrics_ExposesContractualNames(t *testing.T) {
	store := memory.New()
	srv, metrics := newTestServer(store, &stubTrigger{})
	metrics.RowsProcessed.WithLabelValues(models.SourceCSV).Inc()
	metrics.SetQuotas(map[string]int{models.SourceCoinpaprika: 10})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "etl_rows_processed_total")
	assert.Contains(t, out, "quota_requests_per_minute")
}

func TestNotFound_Envelope(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(store, &stubTrigger{})

	rec, body := doJSON(t, srv, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint_not_found", body["code"])
	assert.NotEmpty(t, body["request_id"])
}
