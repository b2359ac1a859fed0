// Package validate enforces the unified-schema rules on mapped rows before
// they reach the sink.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/schema"
)

const (
	maxSymbolLen = 20
	maxNameLen   = 100
)

// Validate checks a mapped row against the unified schema and builds the
// canonical record. The returned error carries the first violated rule; the
// orchestrator counts it as a validation error and drops the row.
func Validate(source string, row models.RawRecord) (models.UnifiedRecord, error) {
	var rec models.UnifiedRecord

	if !models.KnownSource(source) {
		return rec, fmt.Errorf("unknown source %q", source)
	}
	rec.Source = source

	symbol, ok := stringField(row, "symbol")
	if !ok || symbol == "" {
		return rec, fmt.Errorf("symbol is required")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if len(symbol) > maxSymbolLen {
		return rec, fmt.Errorf("symbol %q exceeds %d chars", symbol, maxSymbolLen)
	}
	rec.Symbol = symbol

	name, ok := stringField(row, "name")
	if !ok || name == "" {
		return rec, fmt.Errorf("name is required")
	}
	if len(name) > maxNameLen {
		return rec, fmt.Errorf("name exceeds %d chars", maxNameLen)
	}
	rec.Name = name

	price, ok := numericField(row, "price_usd")
	if !ok {
		return rec, fmt.Errorf("price_usd is required")
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return rec, fmt.Errorf("price_usd must be strictly positive, got %v", price)
	}
	rec.PriceUSD = price

	volume, ok := numericField(row, "volume_24h")
	if !ok {
		return rec, fmt.Errorf("volume_24h is required")
	}
	if volume < 0 || math.IsNaN(volume) || math.IsInf(volume, 0) {
		return rec, fmt.Errorf("volume_24h must not be negative, got %v", volume)
	}
	rec.Volume24h = volume

	if mcap, ok := numericField(row, "market_cap"); ok {
		if mcap < 0 {
			return rec, fmt.Errorf("market_cap must not be negative, got %v", mcap)
		}
		rec.MarketCap = models.Float64Ptr(mcap)
	}
	if pct, ok := numericField(row, "percent_change_24h"); ok {
		rec.PercentChange24h = models.Float64Ptr(pct)
	}

	ts, err := ParseTimestamp(row["timestamp"])
	if err != nil {
		return rec, fmt.Errorf("timestamp: %w", err)
	}
	rec.Timestamp = ts

	return rec, nil
}

// ParseTimestamp accepts ISO-8601 strings (fractional seconds tolerated) and
// epoch seconds as number or numeric string, always returning UTC.
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing")
	case time.Time:
		return t.UTC(), nil
	case float64:
		return epochSeconds(t), nil
	case int:
		return epochSeconds(float64(t)), nil
	case int64:
		return epochSeconds(float64(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty")
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return epochSeconds(secs), nil
		}
		return time.Time{}, fmt.Errorf("unparsable value %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

func epochSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

func stringField(row models.RawRecord, field string) (string, bool) {
	v, ok := row[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numericField(row models.RawRecord, field string) (float64, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return 0, false
	}
	return schema.CoerceNumeric(v)
}
