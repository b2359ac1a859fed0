package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coinflux/coinflux/internal/persistence"
)

// runLedger is append-only: entries are inserted, never updated.
type runLedger struct {
	coll    *mongo.Collection
	indexed bool
}

func (l *runLedger) ensureIndexes(ctx context.Context) error {
	if l.indexed {
		return nil
	}
	_, err := l.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "end_time", Value: -1}},
		Options: options.Index().SetName("end_time_desc"),
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", runsCollection, err)
	}
	l.indexed = true
	return nil
}

func (l *runLedger) WriteEntry(ctx context.Context, entry persistence.RunEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := l.ensureIndexes(ctx); err != nil {
		return err
	}
	if _, err := l.coll.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to write run ledger entry %s: %w", entry.RunID, err)
	}
	return nil
}

func (l *runLedger) ListRecent(ctx context.Context, limit int) ([]persistence.RunEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "end_time", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := l.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []persistence.RunEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	return out, nil
}

func (l *runLedger) GetByID(ctx context.Context, runID string) (*persistence.RunEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "end_time", Value: -1}})
	var entry persistence.RunEntry
	err := l.coll.FindOne(ctx, bson.M{"run_id": runID}, opts).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return &entry, nil
}

func (l *runLedger) LatestIncomplete(ctx context.Context) (*persistence.RunEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"status": bson.M{"$in": bson.A{
		persistence.StatusPartialSuccess, persistence.StatusFailed,
	}}}
	opts := options.FindOne().SetSort(bson.D{{Key: "end_time", Value: -1}})
	var entry persistence.RunEntry
	err := l.coll.FindOne(ctx, filter, opts).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest incomplete run: %w", err)
	}
	return &entry, nil
}
