// Package ratelimit implements per-source admission control for upstream
// API calls: a token bucket with burst capacity, a single bounded backoff
// sleep per acquire, and a short-TTL fallback cache of the last successful
// payload.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/telemetry"
)

// refillInterval is the fixed token-bucket window. Effective rate is
// limit/60s continuously, not step-wise.
const refillInterval = time.Minute

// payloadTTL bounds how stale a cached payload may be before it stops
// substituting for a throttled fetch.
const payloadTTL = time.Minute

// ErrThrottled is returned when a source is out of tokens after the bounded
// backoff sleep. The caller decides whether to retry the acquire.
type ErrThrottled struct {
	Source   string
	WaitHint time.Duration
}

func (e *ErrThrottled) Error() string {
	return fmt.Sprintf("source %s throttled, retry in %s", e.Source, e.WaitHint)
}

// Admission is the outcome of a successful Acquire. When Cached is non-nil
// the caller must use it instead of issuing a request: no token was spent.
type Admission struct {
	Cached []models.RawRecord
}

// Limit configures one source's bucket.
type Limit struct {
	RequestsPerMinute int
	BurstCapacity     int
	RetryBackoff      time.Duration
}

type bucket struct {
	mu         sync.Mutex
	limit      int
	burst      int
	tokens     float64
	lastRefill time.Time
	backoff    time.Duration
}

type cachedPayload struct {
	records []models.RawRecord
	fetched time.Time
}

// Gate owns the token-bucket state for every configured source. All bucket
// access happens under the per-source critical section; refill is computed
// once per section.
type Gate struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	cacheMu sync.Mutex
	cache   map[string]cachedPayload

	metrics *telemetry.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGate builds a gate with one full bucket per configured source.
func NewGate(limits map[string]Limit, metrics *telemetry.Metrics) *Gate {
	g := &Gate{
		buckets: make(map[string]*bucket, len(limits)),
		cache:   make(map[string]cachedPayload),
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for source, l := range limits {
		g.buckets[source] = &bucket{
			limit:      l.RequestsPerMinute,
			burst:      l.BurstCapacity,
			tokens:     float64(l.BurstCapacity),
			lastRefill: g.now(),
			backoff:    l.RetryBackoff,
		}
	}
	return g
}

// Acquire admits one request for source. It takes a token when available,
// serves the cached payload when the bucket is dry and a payload younger
// than the TTL exists, and otherwise sleeps the source's backoff once before
// retrying. Exhausting that single retry returns *ErrThrottled.
func (g *Gate) Acquire(ctx context.Context, source string) (Admission, error) {
	b, err := g.bucket(source)
	if err != nil {
		return Admission{}, err
	}

	if g.tryTake(source, b) {
		return Admission{}, nil
	}

	if cached, ok := g.cachedFresh(source); ok {
		log.Debug().Str("source", source).Msg("bucket dry, serving cached payload")
		return Admission{Cached: cached}, nil
	}

	g.metrics.ThrottleEvents.WithLabelValues(source).Inc()
	start := g.now()
	if err := g.sleep(ctx, b.backoff); err != nil {
		return Admission{}, err
	}
	g.metrics.RetryLatency.WithLabelValues(source).Observe(g.now().Sub(start).Seconds())

	if g.tryTake(source, b) {
		return Admission{}, nil
	}
	return Admission{}, &ErrThrottled{Source: source, WaitHint: b.backoff}
}

// StorePayload records the last successful fetch for a source so a later
// throttled acquire can fall back to it.
func (g *Gate) StorePayload(source string, records []models.RawRecord) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	g.cache[source] = cachedPayload{records: records, fetched: g.now()}
}

// Tokens reports the current token count for a source, refilling first.
func (g *Gate) Tokens(source string) float64 {
	b, err := g.bucket(source)
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g.refillLocked(b)
	return b.tokens
}

func (g *Gate) bucket(source string) (*bucket, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.buckets[source]
	if !ok {
		return nil, fmt.Errorf("no rate limit configured for source %s", source)
	}
	return b, nil
}

func (g *Gate) tryTake(source string, b *bucket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	g.refillLocked(b)
	if b.tokens >= 1 {
		b.tokens--
		g.metrics.TokensRemaining.WithLabelValues(source).Set(b.tokens)
		return true
	}
	return false
}

// refillLocked applies the lazy refill: whole tokens earned since the last
// refill, capped at burst. lastRefill only advances when at least one token
// was earned, so partial windows keep accumulating.
func (g *Gate) refillLocked(b *bucket) {
	elapsed := g.now().Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	earned := math.Floor(elapsed.Seconds() / refillInterval.Seconds() * float64(b.limit))
	if earned > 0 {
		b.tokens = math.Min(float64(b.burst), b.tokens+earned)
		b.lastRefill = g.now()
	}
}

func (g *Gate) cachedFresh(source string) ([]models.RawRecord, bool) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	entry, ok := g.cache[source]
	if !ok {
		return nil, false
	}
	if g.now().Sub(entry.fetched) >= payloadTTL {
		delete(g.cache, source)
		return nil, false
	}
	return entry.records, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
