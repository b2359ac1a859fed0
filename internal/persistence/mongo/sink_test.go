package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/coinflux/coinflux/internal/models"
)

func sampleRecord() models.UnifiedRecord {
	return models.UnifiedRecord{
		Symbol:    "BTC",
		Name:      "Bitcoin",
		PriceUSD:  50000,
		Volume24h: 1e9,
		MarketCap: models.Float64Ptr(9.5e11),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:    models.SourceCoinpaprika,
		RawData:   models.RawRecord{"symbol": "BTC"},
		RunID:     "run-1",
	}
}

func TestNaturalKeyFilter(t *testing.T) {
	rec := sampleRecord()
	filter := naturalKeyFilter(rec)

	assert.Equal(t, bson.M{
		"symbol":    "BTC",
		"timestamp": rec.Timestamp,
		"source":    models.SourceCoinpaprika,
	}, filter)
}

func TestUpsertDoc_SetVsSetOnInsert(t *testing.T) {
	rec := sampleRecord()
	doc := upsertDoc(rec, true)

	set, ok := doc["$set"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "BTC", set["symbol"])
	assert.Equal(t, 50000.0, set["price_usd"])
	assert.Equal(t, 9.5e11, set["market_cap"])
	assert.Equal(t, "run-1", set["run_id"])
	assert.Contains(t, set, "raw_data")
	// created_at never rides in $set: a replay must not touch it.
	assert.NotContains(t, set, "created_at")

	insert, ok := doc["$setOnInsert"].(bson.M)
	require.True(t, ok)
	assert.Contains(t, insert, "created_at")
}

func TestUpsertDoc_NormalizedOmitsRawAndAbsentOptionals(t *testing.T) {
	rec := sampleRecord()
	rec.MarketCap = nil
	rec.PercentChange24h = nil
	doc := upsertDoc(rec, false)

	set := doc["$set"].(bson.M)
	assert.NotContains(t, set, "raw_data")
	assert.NotContains(t, set, "market_cap")
	assert.NotContains(t, set, "percent_change_24h")
}

func TestBatchID(t *testing.T) {
	assert.Equal(t, "run-1:csv", batchID("run-1", "csv"))
}
