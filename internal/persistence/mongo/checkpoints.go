package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coinflux/coinflux/internal/persistence"
)

// checkpointStore upserts batch progress keyed (batch_id, source) where
// batch_id = runID + ":" + source. The $max on last_processed_index keeps
// the stored count monotone even under a concurrent writer per source.
type checkpointStore struct {
	coll    *mongo.Collection
	indexed bool
}

func batchID(runID, source string) string { return runID + ":" + source }

func (c *checkpointStore) ensureIndexes(ctx context.Context) error {
	if c.indexed {
		return nil
	}
	_, err := c.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "batch_id", Value: 1}, {Key: "source", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("batch_source"),
		},
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetName("run_id")},
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", checkpointCollection, err)
	}
	c.indexed = true
	return nil
}

func (c *checkpointStore) Save(ctx context.Context, runID, source string, lastProcessedIndex int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.ensureIndexes(ctx); err != nil {
		return err
	}

	filter := bson.M{"batch_id": batchID(runID, source), "source": source}
	update := bson.M{
		"$max": bson.M{"last_processed_index": lastProcessedIndex},
		"$set": bson.M{"updated_at": time.Now().UTC()},
		"$setOnInsert": bson.M{
			"run_id": runID,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s/%s: %w", runID, source, err)
	}
	return nil
}

func (c *checkpointStore) Get(ctx context.Context, runID, source string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var cp persistence.Checkpoint
	err := c.coll.FindOne(ctx, bson.M{"batch_id": batchID(runID, source)}).Decode(&cp)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint for %s/%s: %w", runID, source, err)
	}
	return cp.LastProcessedIndex, nil
}

func (c *checkpointStore) Clear(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.coll.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("failed to clear checkpoints for %s: %w", runID, err)
	}
	return nil
}

func (c *checkpointStore) List(ctx context.Context, runID string) ([]persistence.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cursor, err := c.coll.Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", runID, err)
	}
	defer cursor.Close(ctx)

	var out []persistence.Checkpoint
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return out, nil
}
