// Package extract turns heterogeneous sources into a uniform record stream:
// HTTP/JSON providers gated by the token bucket and a per-source circuit
// breaker, and a tabular CSV source mapped row-by-row during the parse.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/ratelimit"
	"github.com/coinflux/coinflux/internal/schema"
	"github.com/coinflux/coinflux/internal/telemetry"
)

const defaultTimeout = 10 * time.Second

// Source configures one extraction target.
type Source struct {
	ID      string
	URL     string // HTTP sources
	Path    string // tabular sources
	Cap     int    // max records kept per fetch, 0 means unlimited
	Timeout time.Duration
}

// Result is one source's extraction outcome. A fetch failure yields an empty
// Records slice, not an error: the orchestrator treats it as a zero-record
// fetch. Drift is pre-computed for tabular sources, where it must be
// evaluated on the raw header row before mapping.
type Result struct {
	Source  string
	Records []models.RawRecord
	Drift   *schema.DriftResult
	Cached  bool
}

// adapter flattens one provider's JSON payload into raw records.
type adapter func(body []byte) ([]models.RawRecord, error)

// Extractor owns the HTTP client, breakers and adapters for all sources.
type Extractor struct {
	sources  map[string]Source
	gate     *ratelimit.Gate
	mapper   *schema.Mapper
	metrics  *telemetry.Metrics
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	adapters map[string]adapter
}

// New builds an extractor for the configured sources.
func New(sources []Source, gate *ratelimit.Gate, mapper *schema.Mapper, metrics *telemetry.Metrics) *Extractor {
	e := &Extractor{
		sources:  make(map[string]Source, len(sources)),
		gate:     gate,
		mapper:   mapper,
		metrics:  metrics,
		client:   &http.Client{Timeout: defaultTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		adapters: map[string]adapter{
			models.SourceCoinpaprika: flattenCoinpaprika,
			models.SourceCoingecko:   flattenCoingecko,
		},
	}
	for _, src := range sources {
		e.sources[src.ID] = src
		if src.URL != "" {
			e.breakers[src.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    src.ID,
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			})
		}
	}
	return e
}

// Extract fetches one source's record sequence, applying the configured cap.
func (e *Extractor) Extract(ctx context.Context, sourceID string) (Result, error) {
	src, ok := e.sources[sourceID]
	if !ok {
		return Result{Source: sourceID}, fmt.Errorf("unknown source %s", sourceID)
	}

	start := time.Now()
	defer func() {
		e.metrics.StageLatency.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	}()

	if src.Path != "" {
		return e.extractCSV(ctx, src)
	}
	return e.extractHTTP(ctx, src)
}

func (e *Extractor) extractHTTP(ctx context.Context, src Source) (Result, error) {
	res := Result{Source: src.ID}

	adm, err := e.gate.Acquire(ctx, src.ID)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// Still throttled after the bounded backoff: count it and come
		// back next run.
		e.metrics.Errors.WithLabelValues(src.ID, "throttled").Inc()
		log.Warn().Str("source", src.ID).Err(err).Msg("extraction throttled")
		return res, nil
	}
	if adm.Cached != nil {
		res.Records = capRecords(adm.Cached, src.Cap)
		res.Cached = true
		return res, nil
	}

	body, err := e.fetch(ctx, src)
	if err != nil {
		e.metrics.Errors.WithLabelValues(src.ID, "network").Inc()
		log.Warn().Str("source", src.ID).Err(err).Msg("source fetch failed")
		return res, nil
	}

	records, err := e.adapters[src.ID](body)
	if err != nil {
		e.metrics.Errors.WithLabelValues(src.ID, "data").Inc()
		log.Warn().Str("source", src.ID).Err(err).Msg("source payload undecodable")
		return res, nil
	}

	e.gate.StorePayload(src.ID, records)
	res.Records = capRecords(records, src.Cap)
	return res, nil
}

func (e *Extractor) fetch(ctx context.Context, src Source) ([]byte, error) {
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := e.breakers[src.ID].Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func capRecords(records []models.RawRecord, limit int) []models.RawRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// flattenCoinpaprika adapts the /tickers payload: nested USD quotes become
// top-level unified fields, everything else rides along verbatim.
func flattenCoinpaprika(body []byte) ([]models.RawRecord, error) {
	var tickers []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Symbol      string `json:"symbol"`
		Rank        int    `json:"rank"`
		LastUpdated string `json:"last_updated"`
		Quotes      struct {
			USD struct {
				Price           *float64 `json:"price"`
				Volume24h       *float64 `json:"volume_24h"`
				MarketCap       *float64 `json:"market_cap"`
				PercentChange24 *float64 `json:"percent_change_24h"`
			} `json:"USD"`
		} `json:"quotes"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("failed to decode tickers: %w", err)
	}

	records := make([]models.RawRecord, 0, len(tickers))
	for _, t := range tickers {
		rec := models.RawRecord{
			"id":        t.ID,
			"symbol":    t.Symbol,
			"name":      t.Name,
			"rank":      t.Rank,
			"timestamp": t.LastUpdated,
		}
		usd := t.Quotes.USD
		if usd.Price != nil {
			rec["price_usd"] = *usd.Price
		}
		if usd.Volume24h != nil {
			rec["volume_24h"] = *usd.Volume24h
		}
		if usd.MarketCap != nil {
			rec["market_cap"] = *usd.MarketCap
		}
		if usd.PercentChange24 != nil {
			rec["percent_change_24h"] = *usd.PercentChange24
		}
		records = append(records, rec)
	}
	return records, nil
}

// flattenCoingecko adapts the /coins/markets payload.
func flattenCoingecko(body []byte) ([]models.RawRecord, error) {
	var markets []struct {
		Symbol       string   `json:"symbol"`
		Name         string   `json:"name"`
		CurrentPrice *float64 `json:"current_price"`
		TotalVolume  *float64 `json:"total_volume"`
		MarketCap    *float64 `json:"market_cap"`
		PriceChange  *float64 `json:"price_change_percentage_24h"`
		LastUpdated  string   `json:"last_updated"`
	}
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}

	records := make([]models.RawRecord, 0, len(markets))
	for _, mkt := range markets {
		rec := models.RawRecord{
			"symbol":    mkt.Symbol,
			"name":      mkt.Name,
			"timestamp": mkt.LastUpdated,
		}
		if mkt.CurrentPrice != nil {
			rec["price_usd"] = *mkt.CurrentPrice
		}
		if mkt.TotalVolume != nil {
			rec["volume_24h"] = *mkt.TotalVolume
		}
		if mkt.MarketCap != nil {
			rec["market_cap"] = *mkt.MarketCap
		}
		if mkt.PriceChange != nil {
			rec["percent_change_24h"] = *mkt.PriceChange
		}
		records = append(records, rec)
	}
	return records, nil
}
