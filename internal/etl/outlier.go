package etl

import (
	"math"
	"sync"

	"github.com/coinflux/coinflux/internal/telemetry"
)

const (
	outlierWindow  = 20
	outlierMinObs  = 5
	zScoreLimit    = 3.0
	priceJumpLimit = 0.5
)

// outlierMeter flags anomalous prices on the load path. Detection is
// metrics-only: flagged records are still written.
type outlierMeter struct {
	mu      sync.Mutex
	metrics *telemetry.Metrics
	history map[string][]float64
}

func newOutlierMeter(metrics *telemetry.Metrics) *outlierMeter {
	return &outlierMeter{
		metrics: metrics,
		history: make(map[string][]float64),
	}
}

// observe records one price for a symbol, incrementing the outlier counter
// when it jumps more than 50% against the previous observation or sits more
// than three standard deviations from the rolling window mean.
func (o *outlierMeter) observe(symbol string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := o.history[symbol]
	if len(h) > 0 {
		prev := h[len(h)-1]
		if prev > 0 && math.Abs(price-prev)/prev > priceJumpLimit {
			o.metrics.OutlierDetected.WithLabelValues("price_usd", "percentage_jump", symbol).Inc()
		}
	}
	if len(h) >= outlierMinObs {
		mean, std := meanStd(h)
		if std > 0 && math.Abs(price-mean)/std > zScoreLimit {
			o.metrics.OutlierDetected.WithLabelValues("price_usd", "z_score", symbol).Inc()
		}
	}

	h = append(h, price)
	if len(h) > outlierWindow {
		h = h[len(h)-outlierWindow:]
	}
	o.history[symbol] = h
}

func meanStd(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
