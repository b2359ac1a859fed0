package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/models"
)

func validRow() models.RawRecord {
	return models.RawRecord{
		"symbol":     "btc",
		"name":       "Bitcoin",
		"price_usd":  50000.0,
		"volume_24h": 1e9,
		"timestamp":  "2024-01-01T00:00:00Z",
	}
}

func TestValidate_HappyPath(t *testing.T) {
	row := validRow()
	row["market_cap"] = 9.5e11
	row["percent_change_24h"] = -2.5

	rec, err := Validate(models.SourceCoinpaprika, row)
	require.NoError(t, err)
	assert.Equal(t, "BTC", rec.Symbol)
	assert.Equal(t, "Bitcoin", rec.Name)
	assert.Equal(t, 50000.0, rec.PriceUSD)
	assert.Equal(t, 1e9, rec.Volume24h)
	require.NotNil(t, rec.MarketCap)
	assert.Equal(t, 9.5e11, *rec.MarketCap)
	require.NotNil(t, rec.PercentChange24h)
	assert.Equal(t, -2.5, *rec.PercentChange24h)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, models.SourceCoinpaprika, rec.Source)
}

func TestValidate_OptionalFieldsAbsentNotZero(t *testing.T) {
	rec, err := Validate(models.SourceCSV, validRow())
	require.NoError(t, err)
	assert.Nil(t, rec.MarketCap)
	assert.Nil(t, rec.PercentChange24h)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(models.RawRecord)
		source string
	}{
		{name: "unknown_source", mutate: func(r models.RawRecord) {}, source: "binance"},
		{name: "missing_symbol", mutate: func(r models.RawRecord) { delete(r, "symbol") }, source: models.SourceCSV},
		{name: "symbol_too_long", mutate: func(r models.RawRecord) { r["symbol"] = "ABCDEFGHIJKLMNOPQRSTU" }, source: models.SourceCSV},
		{name: "missing_name", mutate: func(r models.RawRecord) { delete(r, "name") }, source: models.SourceCSV},
		{name: "zero_price", mutate: func(r models.RawRecord) { r["price_usd"] = 0.0 }, source: models.SourceCSV},
		{name: "negative_price", mutate: func(r models.RawRecord) { r["price_usd"] = -1.0 }, source: models.SourceCSV},
		{name: "unparsable_price", mutate: func(r models.RawRecord) { r["price_usd"] = "n/a" }, source: models.SourceCSV},
		{name: "negative_volume", mutate: func(r models.RawRecord) { r["volume_24h"] = -5.0 }, source: models.SourceCSV},
		{name: "negative_market_cap", mutate: func(r models.RawRecord) { r["market_cap"] = -1.0 }, source: models.SourceCSV},
		{name: "missing_timestamp", mutate: func(r models.RawRecord) { delete(r, "timestamp") }, source: models.SourceCSV},
		{name: "garbage_timestamp", mutate: func(r models.RawRecord) { r["timestamp"] = "not-a-time" }, source: models.SourceCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(row)
			_, err := Validate(tt.source, row)
			assert.Error(t, err)
		})
	}
}

func TestParseTimestamp_Formats(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  time.Time
	}{
		{name: "rfc3339", input: "2024-01-01T12:30:00Z", want: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)},
		{name: "rfc3339_fractional", input: "2024-01-01T12:30:00.250Z", want: time.Date(2024, 1, 1, 12, 30, 0, 250000000, time.UTC)},
		{name: "rfc3339_offset", input: "2024-01-01T13:30:00+01:00", want: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)},
		{name: "epoch_seconds_number", input: 1704112200.0, want: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)},
		{name: "epoch_seconds_string", input: "1704112200", want: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)},
		{name: "date_only", input: "2024-01-01", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}
