// Package etl drives one end-to-end ingestion run: concurrent source
// fan-out, per-source batched processing with checkpoint resume, watermark
// skipping, and a single durable ledger entry per invocation.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/config"
	"github.com/coinflux/coinflux/internal/extract"
	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
	"github.com/coinflux/coinflux/internal/schema"
	"github.com/coinflux/coinflux/internal/telemetry"
	"github.com/coinflux/coinflux/internal/validate"
)

// ErrRunInProgress is returned when a run is requested while another one
// holds the single-flight guard. Triggers treat it as a no-op.
var ErrRunInProgress = errors.New("etl run already in progress")

// Fetcher yields one source's record sequence. Satisfied by
// *extract.Extractor.
type Fetcher interface {
	Extract(ctx context.Context, sourceID string) (extract.Result, error)
}

// Orchestrator owns the run lifecycle. At most one run executes at a time.
type Orchestrator struct {
	store     persistence.Store
	fetcher   Fetcher
	mapper    *schema.Mapper
	metrics   *telemetry.Metrics
	batchSize int
	faults    bool
	order     []string

	mu      sync.Mutex
	running bool

	outliers *outlierMeter
}

// New builds an orchestrator over the given source order. A nil order means
// the default source list.
func New(store persistence.Store, fetcher Fetcher, mapper *schema.Mapper, metrics *telemetry.Metrics, cfg config.ETLConfig, order []string) *Orchestrator {
	if order == nil {
		order = models.Sources
	}
	return &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		mapper:    mapper,
		metrics:   metrics,
		batchSize: cfg.BatchSize,
		faults:    cfg.FaultInjection,
		order:     order,
		outliers:  newOutlierMeter(metrics),
	}
}

// Running reports whether a run currently holds the guard.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) tryStart() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Run executes one complete ETL invocation and writes its ledger entry.
// If the latest ledger entry is an incomplete run that still has
// checkpoints, its runId is adopted and every source resumes from its
// stored position.
func (o *Orchestrator) Run(ctx context.Context) (persistence.RunEntry, error) {
	if !o.tryStart() {
		return persistence.RunEntry{}, ErrRunInProgress
	}
	defer o.finish()

	runID, resumed := o.resumeRunID(ctx)
	if !resumed {
		runID = uuid.NewString()
	}
	return o.execute(ctx, runID, resumed)
}

// TriggerAsync starts a run in the background and returns its runId right
// away. The guard is held until the background run finishes.
func (o *Orchestrator) TriggerAsync(ctx context.Context) (string, error) {
	if !o.tryStart() {
		return "", ErrRunInProgress
	}
	runID, resumed := o.resumeRunID(ctx)
	if !resumed {
		runID = uuid.NewString()
	}
	go func() {
		defer o.finish()
		if _, err := o.execute(context.Background(), runID, resumed); err != nil {
			log.Error().Str("run_id", runID).Err(err).Msg("async etl run failed")
		}
	}()
	return runID, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, resumed bool) (persistence.RunEntry, error) {
	start := time.Now().UTC()
	throttleBefore := o.counterSum("throttle_events_total")

	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Bool("resumed", resumed).Msg("etl run started")

	entry := persistence.RunEntry{
		RunID:          runID,
		StartTime:      start,
		SourceStats:    map[string]*persistence.SourceStats{},
		ResumeInfo:     map[string]persistence.ResumePoint{},
		SchemaVersions: map[string]int{},
		Watermarks:     map[string]time.Time{},
	}

	if err := o.store.Sink().EnsureIndexes(ctx); err != nil {
		entry.Status = persistence.StatusFailed
		entry.Error = err.Error()
		o.seal(ctx, &entry, start, throttleBefore)
		return entry, err
	}

	results := o.fetchAll(ctx)

	canceled := false
	for _, source := range o.order {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		o.processSource(ctx, &entry, results[source], source, resumed, &canceled)
	}

	switch {
	case len(entry.FailedBatches) == 0 && !canceled:
		entry.Status = persistence.StatusSuccess
		if err := o.store.Checkpoints().Clear(ctx, runID); err != nil {
			logger.Error().Err(err).Msg("failed to clear checkpoints")
		}
	default:
		entry.Status = persistence.StatusPartialSuccess
	}
	if canceled && entry.Error == "" {
		entry.Error = "run canceled"
	}

	if err := o.seal(ctx, &entry, start, throttleBefore); err != nil {
		return entry, err
	}

	logger.Info().
		Str("status", entry.Status).
		Int("new_records", entry.NewRecords()).
		Int("skipped", entry.SkippedRecords()).
		Int64("latency_ms", entry.TotalLatencyMs).
		Msg("etl run finished")
	return entry, nil
}

// seal stamps the final timing fields and writes the ledger entry. The
// ledger write failing never rolls back data already written.
func (o *Orchestrator) seal(ctx context.Context, entry *persistence.RunEntry, start time.Time, throttleBefore float64) error {
	entry.EndTime = time.Now().UTC()
	entry.TotalLatencyMs = entry.EndTime.Sub(start).Milliseconds()
	entry.ThrottleEvents = int(o.counterSum("throttle_events_total") - throttleBefore)

	if err := o.store.Ledger().WriteEntry(ctx, *entry); err != nil {
		log.Error().Str("run_id", entry.RunID).Err(err).Msg("failed to write run ledger entry")
		return err
	}
	return nil
}

// resumeRunID adopts the latest incomplete run's id, but only while its
// checkpoints still exist. A later successful pass clears them, which makes
// the stale incomplete entry inert.
func (o *Orchestrator) resumeRunID(ctx context.Context) (string, bool) {
	last, err := o.store.Ledger().LatestIncomplete(ctx)
	if err != nil || last == nil {
		return "", false
	}
	cps, err := o.store.Checkpoints().List(ctx, last.RunID)
	if err != nil || len(cps) == 0 {
		return "", false
	}
	return last.RunID, true
}

// fetchAll fans out one Extract per source and collects the results.
func (o *Orchestrator) fetchAll(ctx context.Context) map[string]extract.Result {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]extract.Result, len(o.order))

	for _, source := range o.order {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			res, err := o.fetcher.Extract(ctx, source)
			if err != nil {
				log.Warn().Str("source", source).Err(err).Msg("source fetch aborted")
			}
			mu.Lock()
			results[source] = res
			mu.Unlock()
		}(source)
	}
	wg.Wait()
	return results
}

// processSource runs the batched load loop for one source's fetched
// sequence. A batch failure stops this source and leaves its checkpoint at
// the last successful batch; other sources still run.
func (o *Orchestrator) processSource(ctx context.Context, entry *persistence.RunEntry, res extract.Result, source string, resumed bool, canceled *bool) {
	records := res.Records
	stats := &persistence.SourceStats{Fetched: len(records)}
	entry.SourceStats[source] = stats

	drift := o.sourceDrift(res, source)
	entry.SchemaVersions[source] = drift.SchemaVersion
	entry.Applied = append(entry.Applied, drift.Applied...)
	entry.Quarantined = append(entry.Quarantined, drift.Quarantined...)
	entry.Skipped = append(entry.Skipped, drift.Skipped...)

	sink := o.store.Sink()
	watermark, hasWatermark, err := sink.Watermark(ctx, source)
	if err != nil {
		o.failSource(entry, source, 0, len(records), fmt.Errorf("watermark lookup: %w", err))
		return
	}

	startIdx, err := o.store.Checkpoints().Get(ctx, entry.RunID, source)
	if err != nil {
		o.failSource(entry, source, 0, len(records), fmt.Errorf("checkpoint lookup: %w", err))
		return
	}
	if resumed && startIdx > 0 {
		entry.ResumeInfo[source] = persistence.ResumePoint{ResumedFromBatch: startIdx / o.batchSize}
		log.Info().Str("run_id", entry.RunID).Str("source", source).
			Int("from_index", startIdx).Msg("resuming from checkpoint")
	}

	n := len(records)
	faultAt := -1
	if o.faults {
		faultAt = n * 6 / 10
	}

	var transformDur, loadDur time.Duration
	for begin := startIdx; begin < n; begin += o.batchSize {
		if ctx.Err() != nil {
			*canceled = true
			break
		}

		end := begin + o.batchSize
		if end > n {
			end = n
		}
		batchNo := begin / o.batchSize

		var batchErr error
		for i := begin; i < end; i++ {
			if faultAt >= 0 && i >= faultAt {
				batchErr = fmt.Errorf("injected fault at record %d", i)
				break
			}
			row := records[i]

			tStart := time.Now()
			mapped, _ := o.mapper.MapRow(source, row)
			rec, err := validate.Validate(source, mapped)
			transformDur += time.Since(tStart)
			if err != nil {
				stats.ValidationErrors++
				stats.FailedIDs = append(stats.FailedIDs, recordID(row))
				o.metrics.Errors.WithLabelValues(source, "validation").Inc()
				log.Debug().Str("source", source).Err(err).Msg("record rejected")
				continue
			}
			if hasWatermark && !rec.Timestamp.After(watermark) {
				stats.SkippedByWatermark++
				continue
			}

			o.outliers.observe(rec.Symbol, rec.PriceUSD)
			rec.RunID = entry.RunID
			rec.RawData = row

			lStart := time.Now()
			outcome, err := sink.Upsert(ctx, rec)
			loadDur += time.Since(lStart)
			if err != nil {
				o.metrics.Errors.WithLabelValues(source, "database").Inc()
				batchErr = err
				break
			}
			if outcome == persistence.Inserted {
				stats.Processed++
				o.metrics.RowsProcessed.WithLabelValues(source).Inc()
			}
		}

		if batchErr != nil {
			// No checkpoint for the failing batch: a resume replays it and
			// the upserts are idempotent.
			o.failSource(entry, source, batchNo, end-begin, batchErr)
			break
		}
		if err := o.store.Checkpoints().Save(ctx, entry.RunID, source, end); err != nil {
			o.failSource(entry, source, batchNo, end-begin, fmt.Errorf("checkpoint save: %w", err))
			break
		}
	}

	o.metrics.StageLatency.WithLabelValues("transform").Observe(transformDur.Seconds())
	o.metrics.StageLatency.WithLabelValues("load").Observe(loadDur.Seconds())

	if wm, ok, err := sink.Watermark(ctx, source); err == nil && ok {
		entry.Watermarks[source] = wm
	}
}

func (o *Orchestrator) sourceDrift(res extract.Result, source string) schema.DriftResult {
	if res.Drift != nil {
		return *res.Drift
	}
	if len(res.Records) > 0 {
		return o.mapper.DetectDrift(source, res.Records[0])
	}
	return schema.DriftResult{SchemaVersion: o.mapper.SchemaVersion(source)}
}

func (o *Orchestrator) failSource(entry *persistence.RunEntry, source string, batchNo, recordCount int, err error) {
	entry.FailedBatches = append(entry.FailedBatches, persistence.BatchError{
		Source:      source,
		BatchNo:     batchNo,
		Error:       err.Error(),
		RecordCount: recordCount,
	})
	log.Error().Str("run_id", entry.RunID).Str("source", source).
		Int("batch_no", batchNo).Err(err).Msg("batch failed")
}

// counterSum totals a counter family across all label sets.
func (o *Orchestrator) counterSum(name string) float64 {
	families, err := o.metrics.Registry().Gather()
	if err != nil {
		return 0
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// recordID pulls a best-effort identifier from a raw row for failed_ids.
func recordID(row models.RawRecord) string {
	for _, field := range []string{"id", "symbol", "ticker", "name"} {
		if v, ok := row[field].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}
