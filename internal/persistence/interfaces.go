// Package persistence defines the storage contracts of the pipeline: the
// idempotent record sink, the per-run checkpoint store, the append-only run
// ledger, and the watermark lookup. Implementations live in the mongo and
// memory subpackages.
package persistence

import (
	"context"
	"time"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/schema"
)

// Run statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailed         = "failed"
)

// UpsertResult reports what a natural-key upsert did.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	MatchedExisting
)

// Checkpoint records how many records of a source's fetched sequence have
// been durably processed within a run. LastProcessedIndex is a count, so a
// resume continues at sequence[LastProcessedIndex:].
type Checkpoint struct {
	BatchID            string    `json:"batch_id" bson:"batch_id"`
	RunID              string    `json:"run_id" bson:"run_id"`
	Source             string    `json:"source" bson:"source"`
	LastProcessedIndex int       `json:"last_processed_index" bson:"last_processed_index"`
	UpdatedAt          time.Time `json:"updated_at" bson:"updated_at"`
}

// SourceStats aggregates per-source counters for one run.
type SourceStats struct {
	Fetched            int      `json:"fetched" bson:"fetched"`
	Processed          int      `json:"processed" bson:"processed"`
	SkippedByWatermark int      `json:"skipped_by_watermark" bson:"skipped_by_watermark"`
	ValidationErrors   int      `json:"validation_errors" bson:"validation_errors"`
	FailedIDs          []string `json:"failed_ids,omitempty" bson:"failed_ids,omitempty"`
}

// BatchError describes one failed batch.
type BatchError struct {
	Source      string `json:"source" bson:"source"`
	BatchNo     int    `json:"batch_no" bson:"batch_no"`
	Error       string `json:"error" bson:"error"`
	RecordCount int    `json:"record_count" bson:"record_count"`
}

// ResumePoint records where a source picked up from a previous attempt.
type ResumePoint struct {
	ResumedFromBatch int `json:"resumed_from_batch" bson:"resumed_from_batch"`
}

// RunEntry is the durable ledger record written exactly once per run.
type RunEntry struct {
	RunID          string                  `json:"run_id" bson:"run_id"`
	StartTime      time.Time               `json:"start_time" bson:"start_time"`
	EndTime        time.Time               `json:"end_time" bson:"end_time"`
	Status         string                  `json:"status" bson:"status"`
	SourceStats    map[string]*SourceStats `json:"source_stats" bson:"source_stats"`
	FailedBatches  []BatchError            `json:"failed_batches,omitempty" bson:"failed_batches,omitempty"`
	ResumeInfo     map[string]ResumePoint  `json:"resume_info,omitempty" bson:"resume_info,omitempty"`
	Applied        []schema.Mapping        `json:"applied_mappings,omitempty" bson:"applied_mappings,omitempty"`
	Quarantined    []schema.Mapping        `json:"quarantined_mappings,omitempty" bson:"quarantined_mappings,omitempty"`
	Skipped        []schema.Mapping        `json:"skipped_mappings,omitempty" bson:"skipped_mappings,omitempty"`
	SchemaVersions map[string]int          `json:"schema_versions,omitempty" bson:"schema_versions,omitempty"`
	Watermarks     map[string]time.Time    `json:"watermarks,omitempty" bson:"watermarks,omitempty"`
	ThrottleEvents int                     `json:"throttle_events" bson:"throttle_events"`
	TotalLatencyMs int64                   `json:"total_latency_ms" bson:"total_latency_ms"`
	Error          string                  `json:"error,omitempty" bson:"error,omitempty"`
}

// NewRecords sums rows inserted across sources.
func (e RunEntry) NewRecords() int {
	total := 0
	for _, s := range e.SourceStats {
		total += s.Processed
	}
	return total
}

// SkippedRecords sums watermark skips across sources.
func (e RunEntry) SkippedRecords() int {
	total := 0
	for _, s := range e.SourceStats {
		total += s.SkippedByWatermark
	}
	return total
}

// DataQuery narrows a normalized-collection page read.
type DataQuery struct {
	Source string
	Symbol string
	SortBy string // timestamp | price_usd | symbol
	Limit  int
	Cursor string // opaque cursor from a previous page
}

// DataPage is one page of normalized records.
type DataPage struct {
	Records    []models.UnifiedRecord
	NextCursor string
}

// RecordSink persists records idempotently under the natural-key filter.
// EnsureIndexes must have completed before the first Upsert of a process.
type RecordSink interface {
	EnsureIndexes(ctx context.Context) error
	// Upsert writes the raw mirror and the normalized view for one record.
	// A duplicate natural key is treated as MatchedExisting, not an error.
	Upsert(ctx context.Context, rec models.UnifiedRecord) (UpsertResult, error)
	// Watermark returns the most recent ingested timestamp for a source;
	// ok is false for a fresh source.
	Watermark(ctx context.Context, source string) (time.Time, bool, error)
	Counts(ctx context.Context) (raw int64, normalized int64, err error)
	Query(ctx context.Context, q DataQuery) (DataPage, error)
}

// CheckpointStore persists batch progress per (runID, source).
type CheckpointStore interface {
	Save(ctx context.Context, runID, source string, lastProcessedIndex int) error
	Get(ctx context.Context, runID, source string) (int, error)
	Clear(ctx context.Context, runID string) error
	List(ctx context.Context, runID string) ([]Checkpoint, error)
}

// RunLedger is the append-only run history.
type RunLedger interface {
	WriteEntry(ctx context.Context, entry RunEntry) error
	ListRecent(ctx context.Context, limit int) ([]RunEntry, error)
	GetByID(ctx context.Context, runID string) (*RunEntry, error)
	// LatestIncomplete returns the most recent run that ended in
	// partial_success or failed, if any. Used by the resume protocol.
	LatestIncomplete(ctx context.Context) (*RunEntry, error)
}

// Store bundles the three contracts plus connection health.
type Store interface {
	Sink() RecordSink
	Checkpoints() CheckpointStore
	Ledger() RunLedger
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
