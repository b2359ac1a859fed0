package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/ratelimit"
	"github.com/coinflux/coinflux/internal/schema"
	"github.com/coinflux/coinflux/internal/telemetry"
)

func testGate(metrics *telemetry.Metrics) *ratelimit.Gate {
	return ratelimit.NewGate(map[string]ratelimit.Limit{
		models.SourceCoinpaprika: {RequestsPerMinute: 60, BurstCapacity: 10, RetryBackoff: time.Millisecond},
		models.SourceCoingecko:   {RequestsPerMinute: 60, BurstCapacity: 10, RetryBackoff: time.Millisecond},
	}, metrics)
}

func newTestExtractor(sources []Source) (*Extractor, *telemetry.Metrics) {
	metrics := telemetry.NewMetrics()
	e := New(sources, testGate(metrics), schema.NewMapper(nil), metrics)
	return e, metrics
}

const paprikaPayload = `[
  {"id":"btc-bitcoin","name":"Bitcoin","symbol":"BTC","rank":1,
   "last_updated":"2024-01-01T00:00:00Z",
   "quotes":{"USD":{"price":50000,"volume_24h":1000000000,"market_cap":950000000000,"percent_change_24h":2.5}}},
  {"id":"eth-ethereum","name":"Ethereum","symbol":"ETH","rank":2,
   "last_updated":"2024-01-01T00:00:00Z",
   "quotes":{"USD":{"price":2500,"volume_24h":500000000}}}
]`

func TestExtractHTTP_Coinpaprika(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(paprikaPayload))
	}))
	defer srv.Close()

	e, _ := newTestExtractor([]Source{{ID: models.SourceCoinpaprika, URL: srv.URL, Cap: 10}})
	res, err := e.Extract(context.Background(), models.SourceCoinpaprika)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	first := res.Records[0]
	assert.Equal(t, "BTC", first["symbol"])
	assert.Equal(t, "Bitcoin", first["name"])
	assert.Equal(t, 50000.0, first["price_usd"])
	assert.Equal(t, 1e9, first["volume_24h"])
	assert.Equal(t, 9.5e11, first["market_cap"])
	assert.Equal(t, "2024-01-01T00:00:00Z", first["timestamp"])

	// Optional quote fields absent in the payload stay absent.
	_, hasCap := res.Records[1]["market_cap"]
	assert.False(t, hasCap)
}

func TestExtractHTTP_CapsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(paprikaPayload))
	}))
	defer srv.Close()

	e, _ := newTestExtractor([]Source{{ID: models.SourceCoinpaprika, URL: srv.URL, Cap: 1}})
	res, err := e.Extract(context.Background(), models.SourceCoinpaprika)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestExtractHTTP_NetworkFailureYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := newTestExtractor([]Source{{ID: models.SourceCoingecko, URL: srv.URL, Cap: 3}})
	res, err := e.Extract(context.Background(), models.SourceCoingecko)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestExtractHTTP_UndecodablePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	e, _ := newTestExtractor([]Source{{ID: models.SourceCoingecko, URL: srv.URL}})
	res, err := e.Extract(context.Background(), models.SourceCoingecko)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestExtractHTTP_ServesCachedPayloadWhenThrottled(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(paprikaPayload))
	}))
	defer srv.Close()

	metrics := telemetry.NewMetrics()
	gate := ratelimit.NewGate(map[string]ratelimit.Limit{
		models.SourceCoinpaprika: {RequestsPerMinute: 1, BurstCapacity: 1, RetryBackoff: time.Millisecond},
	}, metrics)
	e := New([]Source{{ID: models.SourceCoinpaprika, URL: srv.URL, Cap: 10}}, gate, schema.NewMapper(nil), metrics)

	ctx := context.Background()
	res, err := e.Extract(ctx, models.SourceCoinpaprika)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.False(t, res.Cached)

	// Bucket is dry: second extract reuses the stored payload without
	// another HTTP round trip.
	res, err = e.Extract(ctx, models.SourceCoinpaprika)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, calls)
}

func TestExtractCSV_DriftOnRawHeadersThenMappedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.csv")
	content := "ticker,name,usd_price,tx_volume,time\n" +
		"BTC,Bitcoin,\"$50,000\",1000000000,2024-01-01T00:00:00Z\n" +
		"ETH,Ethereum,2500,500000000,2024-01-01T00:00:00Z\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e, _ := newTestExtractor([]Source{{ID: models.SourceCSV, Path: path, Cap: 5}})
	res, err := e.Extract(context.Background(), models.SourceCSV)
	require.NoError(t, err)
	require.NotNil(t, res.Drift)
	assert.Equal(t, 1, res.Drift.SchemaVersion)

	require.Len(t, res.Records, 2)
	first := res.Records[0]
	assert.Equal(t, "BTC", first["symbol"])
	assert.Equal(t, "Bitcoin", first["name"])
	assert.Equal(t, 50000.0, first["price_usd"])
	assert.Equal(t, 1e9, first["volume_24h"])
	assert.Equal(t, "2024-01-01T00:00:00Z", first["timestamp"])
}

func TestExtractCSV_CapAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.csv")
	content := "ticker,name,usd_price,tx_volume,time\n"
	for i := 0; i < 10; i++ {
		content += "BTC,Bitcoin,100,200,2024-01-01T00:00:00Z\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e, _ := newTestExtractor([]Source{{ID: models.SourceCSV, Path: path, Cap: 5}})
	res, err := e.Extract(context.Background(), models.SourceCSV)
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)

	e2, _ := newTestExtractor([]Source{{ID: models.SourceCSV, Path: filepath.Join(dir, "absent.csv")}})
	res, err = e2.Extract(context.Background(), models.SourceCSV)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestExtract_UnknownSource(t *testing.T) {
	e, _ := newTestExtractor(nil)
	_, err := e.Extract(context.Background(), "nope")
	assert.Error(t, err)
}
