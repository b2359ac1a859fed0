// Package models defines the record shapes shared across the ingestion
// pipeline: the raw per-source payload map and the unified snapshot written
// to the document store.
package models

import "time"

// Source identifiers. These are the only legal values of UnifiedRecord.Source
// and the label values of every per-source metric.
const (
	SourceCoinpaprika = "coinpaprika"
	SourceCSV         = "csv"
	SourceCoingecko   = "coingecko"
)

// Sources lists the configured sources in processing order.
var Sources = []string{SourceCoinpaprika, SourceCSV, SourceCoingecko}

// KnownSource reports whether id is one of the configured source identifiers.
func KnownSource(id string) bool {
	for _, s := range Sources {
		if s == id {
			return true
		}
	}
	return false
}

// RawRecord is a flattened source payload before mapping and validation.
type RawRecord map[string]interface{}

// Clone returns a shallow copy of the record.
func (r RawRecord) Clone() RawRecord {
	out := make(RawRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UnifiedRecord is the canonical snapshot shape. MarketCap,
// PercentChange24h and the parsed numerics distinguish absent from zero via
// pointers; a nil pointer is an absent field, never a zero value.
type UnifiedRecord struct {
	Symbol           string     `json:"symbol" bson:"symbol"`
	Name             string     `json:"name" bson:"name"`
	PriceUSD         float64    `json:"price_usd" bson:"price_usd"`
	Volume24h        float64    `json:"volume_24h" bson:"volume_24h"`
	MarketCap        *float64   `json:"market_cap,omitempty" bson:"market_cap,omitempty"`
	PercentChange24h *float64   `json:"percent_change_24h,omitempty" bson:"percent_change_24h,omitempty"`
	Timestamp        time.Time  `json:"timestamp" bson:"timestamp"`
	Source           string     `json:"source" bson:"source"`
	RawData          RawRecord  `json:"raw_data,omitempty" bson:"raw_data,omitempty"`
	RunID            string     `json:"run_id,omitempty" bson:"run_id,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty" bson:"created_at,omitempty"`
}

// NaturalKey identifies one market snapshot uniquely across both the raw and
// the normalized collections.
type NaturalKey struct {
	Symbol    string    `json:"symbol" bson:"symbol"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Source    string    `json:"source" bson:"source"`
}

// Key returns the record's natural key.
func (u UnifiedRecord) Key() NaturalKey {
	return NaturalKey{Symbol: u.Symbol, Timestamp: u.Timestamp, Source: u.Source}
}

// Normalized returns a copy with the raw mirror payload stripped, suitable
// for the normalized collection.
func (u UnifiedRecord) Normalized() UnifiedRecord {
	u.RawData = nil
	return u
}

// Float64Ptr is a convenience for building optional numeric fields.
func Float64Ptr(v float64) *float64 { return &v }
