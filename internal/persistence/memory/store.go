// Package memory is an in-process implementation of the persistence
// contracts, used by unit tests and the --store memory development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
)

// Store keeps every collection in maps guarded by one mutex. Semantics
// mirror the mongo implementation: natural-key upserts, checkpoint upserts
// keyed (runID, source), append-only ledger.
type Store struct {
	mu          sync.Mutex
	raw         map[string]models.UnifiedRecord
	normalized  map[string]models.UnifiedRecord
	checkpoints map[string]persistence.Checkpoint
	runs        []persistence.RunEntry
	indexed     bool

	// FailUpsertsAfter, when >= 0, makes every upsert past that many calls
	// fail. Tests use it to exercise batch-failure paths.
	FailUpsertsAfter int
	upsertCalls      int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		raw:              make(map[string]models.UnifiedRecord),
		normalized:       make(map[string]models.UnifiedRecord),
		checkpoints:      make(map[string]persistence.Checkpoint),
		FailUpsertsAfter: -1,
	}
}

func (s *Store) Sink() persistence.RecordSink             { return (*sink)(s) }
func (s *Store) Checkpoints() persistence.CheckpointStore { return (*checkpoints)(s) }
func (s *Store) Ledger() persistence.RunLedger            { return (*ledger)(s) }
func (s *Store) Ping(ctx context.Context) error           { return nil }
func (s *Store) Close(ctx context.Context) error          { return nil }

func keyOf(rec models.UnifiedRecord) string {
	return fmt.Sprintf("%s|%d|%s", rec.Symbol, rec.Timestamp.UTC().UnixNano(), rec.Source)
}

// sink implements persistence.RecordSink.
type sink Store

func (s *sink) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = true
	return nil
}

func (s *sink) Upsert(ctx context.Context, rec models.UnifiedRecord) (persistence.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertCalls++
	if s.FailUpsertsAfter >= 0 && s.upsertCalls > s.FailUpsertsAfter {
		return persistence.MatchedExisting, fmt.Errorf("simulated write failure")
	}

	key := keyOf(rec)
	_, existed := s.raw[key]
	if !existed {
		now := time.Now().UTC()
		rec.CreatedAt = &now
	} else {
		rec.CreatedAt = s.raw[key].CreatedAt
	}
	s.raw[key] = rec
	s.normalized[key] = rec.Normalized()
	if existed {
		return persistence.MatchedExisting, nil
	}
	return persistence.Inserted, nil
}

func (s *sink) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max time.Time
	found := false
	for _, rec := range s.normalized {
		if rec.Source != source {
			continue
		}
		if !found || rec.Timestamp.After(max) {
			max = rec.Timestamp
			found = true
		}
	}
	return max, found, nil
}

func (s *sink) Counts(ctx context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.raw)), int64(len(s.normalized)), nil
}

func (s *sink) Query(ctx context.Context, q persistence.DataQuery) (persistence.DataPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	type row struct {
		id  string
		rec models.UnifiedRecord
	}
	var rows []row
	for id, rec := range s.normalized {
		if q.Source != "" && rec.Source != q.Source {
			continue
		}
		if q.Symbol != "" && !strings.EqualFold(rec.Symbol, q.Symbol) {
			continue
		}
		rows = append(rows, row{id: id, rec: rec})
	}

	sortVal := func(r models.UnifiedRecord) interface{} {
		switch q.SortBy {
		case "price_usd":
			return r.PriceUSD
		case "symbol":
			return r.Symbol
		default:
			return r.Timestamp
		}
	}
	less := func(a, b row) bool {
		va, vb := sortVal(a.rec), sortVal(b.rec)
		switch x := va.(type) {
		case time.Time:
			y := vb.(time.Time)
			if !x.Equal(y) {
				return x.After(y) // newest first
			}
		case float64:
			y := vb.(float64)
			if x != y {
				return x > y
			}
		case string:
			y := vb.(string)
			if x != y {
				return x < y
			}
		}
		return a.id < b.id
	}
	sort.Slice(rows, func(i, j int) bool { return less(rows[i], rows[j]) })

	start := 0
	if q.Cursor != "" {
		cur, err := persistence.DecodeCursor(q.Cursor)
		if err != nil {
			return persistence.DataPage{}, err
		}
		for i, r := range rows {
			if r.id == cur.ID {
				start = i + 1
				break
			}
		}
	}

	var page persistence.DataPage
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	for _, r := range rows[start:end] {
		page.Records = append(page.Records, r.rec)
	}
	if end < len(rows) && end > start {
		last := rows[end-1]
		page.NextCursor = persistence.EncodeCursor(persistence.Cursor{SortVal: sortVal(last.rec), ID: last.id})
	}
	return page, nil
}

// checkpoints implements persistence.CheckpointStore.
type checkpoints Store

func cpKey(runID, source string) string { return runID + ":" + source }

func (s *checkpoints) Save(ctx context.Context, runID, source string, lastProcessedIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cpKey(runID, source)
	if existing, ok := s.checkpoints[key]; ok && lastProcessedIndex < existing.LastProcessedIndex {
		return fmt.Errorf("checkpoint for %s would move backwards: %d < %d",
			key, lastProcessedIndex, existing.LastProcessedIndex)
	}
	s.checkpoints[key] = persistence.Checkpoint{
		BatchID:            key,
		RunID:              runID,
		Source:             source,
		LastProcessedIndex: lastProcessedIndex,
		UpdatedAt:          time.Now().UTC(),
	}
	return nil
}

func (s *checkpoints) Get(ctx context.Context, runID, source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[cpKey(runID, source)]; ok {
		return cp.LastProcessedIndex, nil
	}
	return 0, nil
}

func (s *checkpoints) Clear(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cp := range s.checkpoints {
		if cp.RunID == runID {
			delete(s.checkpoints, key)
		}
	}
	return nil
}

func (s *checkpoints) List(ctx context.Context, runID string) ([]persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.RunID == runID {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// ledger implements persistence.RunLedger.
type ledger Store

func (s *ledger) WriteEntry(ctx context.Context, entry persistence.RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.RunID == entry.RunID && existing.EndTime.Equal(entry.EndTime) {
			return fmt.Errorf("ledger entry already written for run %s", entry.RunID)
		}
	}
	s.runs = append(s.runs, entry)
	return nil
}

func (s *ledger) ListRecent(ctx context.Context, limit int) ([]persistence.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistence.RunEntry, len(s.runs))
	copy(out, s.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ledger) GetByID(ctx context.Context, runID string) (*persistence.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].RunID == runID {
			entry := s.runs[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (s *ledger) LatestIncomplete(ctx context.Context) (*persistence.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *persistence.RunEntry
	for i := range s.runs {
		entry := s.runs[i]
		if entry.Status == persistence.StatusSuccess {
			continue
		}
		if latest == nil || entry.EndTime.After(latest.EndTime) {
			latest = &entry
		}
	}
	return latest, nil
}
