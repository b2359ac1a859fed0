package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coinflux/coinflux/internal/models"
	"github.com/coinflux/coinflux/internal/persistence"
)

// recordSink writes the raw mirror and normalized view with natural-key
// upserts. Mutable fields go through $set so a re-write of the same snapshot
// is semantically identical; created_at is $setOnInsert.
type recordSink struct {
	raw        *mongo.Collection
	normalized *mongo.Collection
}

// EnsureIndexes creates the unique natural-key indexes on both data
// collections plus the normalized secondary indexes. Safe to call on every
// startup; existing indexes are a no-op.
func (s *recordSink) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	naturalKey := mongo.IndexModel{
		Keys: bson.D{
			{Key: "symbol", Value: 1},
			{Key: "timestamp", Value: 1},
			{Key: "source", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("natural_key"),
	}

	if _, err := s.raw.Indexes().CreateOne(ctx, naturalKey); err != nil {
		return fmt.Errorf("failed to index %s: %w", rawCollection, err)
	}
	_, err := s.normalized.Indexes().CreateMany(ctx, []mongo.IndexModel{
		naturalKey,
		{Keys: bson.D{{Key: "timestamp", Value: -1}}, Options: options.Index().SetName("timestamp_desc")},
		{Keys: bson.D{{Key: "source", Value: 1}}, Options: options.Index().SetName("source")},
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", normalizedCollection, err)
	}
	return nil
}

func naturalKeyFilter(rec models.UnifiedRecord) bson.M {
	return bson.M{
		"symbol":    rec.Symbol,
		"timestamp": rec.Timestamp,
		"source":    rec.Source,
	}
}

// upsertDoc builds the update document for one collection write.
func upsertDoc(rec models.UnifiedRecord, includeRaw bool) bson.M {
	set := bson.M{
		"symbol":     rec.Symbol,
		"name":       rec.Name,
		"price_usd":  rec.PriceUSD,
		"volume_24h": rec.Volume24h,
		"timestamp":  rec.Timestamp,
		"source":     rec.Source,
		"run_id":     rec.RunID,
	}
	if rec.MarketCap != nil {
		set["market_cap"] = *rec.MarketCap
	}
	if rec.PercentChange24h != nil {
		set["percent_change_24h"] = *rec.PercentChange24h
	}
	if includeRaw && rec.RawData != nil {
		set["raw_data"] = rec.RawData
	}
	return bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
	}
}

// Upsert writes raw then normalized. A unique-index race between the filter
// match and the insert surfaces as a duplicate key; that is the idempotent
// case and reports MatchedExisting.
func (s *recordSink) Upsert(ctx context.Context, rec models.UnifiedRecord) (persistence.UpsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Update().SetUpsert(true)
	filter := naturalKeyFilter(rec)

	rawRes, err := s.raw.UpdateOne(ctx, filter, upsertDoc(rec, true), opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return persistence.MatchedExisting, nil
		}
		return persistence.MatchedExisting, fmt.Errorf("raw upsert failed: %w", err)
	}
	if _, err := s.normalized.UpdateOne(ctx, filter, upsertDoc(rec, false), opts); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return persistence.MatchedExisting, nil
		}
		return persistence.MatchedExisting, fmt.Errorf("normalized upsert failed: %w", err)
	}

	if rawRes.UpsertedCount > 0 {
		return persistence.Inserted, nil
	}
	return persistence.MatchedExisting, nil
}

// Watermark runs the max-timestamp lookup on the normalized collection.
func (s *recordSink) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOne().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetProjection(bson.M{"timestamp": 1})

	var doc struct {
		Timestamp time.Time `bson:"timestamp"`
	}
	err := s.normalized.FindOne(ctx, bson.M{"source": source}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark lookup failed: %w", err)
	}
	return doc.Timestamp.UTC(), true, nil
}

func (s *recordSink) Counts(ctx context.Context) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.raw.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("raw count failed: %w", err)
	}
	normalized, err := s.normalized.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("normalized count failed: %w", err)
	}
	return raw, normalized, nil
}

// Query pages through the normalized collection with a keyset cursor on
// (sort value, _id).
func (s *recordSink) Query(ctx context.Context, q persistence.DataQuery) (persistence.DataPage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	sortField := "timestamp"
	descending := true
	switch q.SortBy {
	case "price_usd":
		sortField = "price_usd"
	case "symbol":
		sortField, descending = "symbol", false
	}

	filter := bson.M{}
	if q.Source != "" {
		filter["source"] = q.Source
	}
	if q.Symbol != "" {
		filter["symbol"] = q.Symbol
	}
	if q.Cursor != "" {
		cur, err := persistence.DecodeCursor(q.Cursor)
		if err != nil {
			return persistence.DataPage{}, err
		}
		id, err := decodeObjectID(cur.ID)
		if err != nil {
			return persistence.DataPage{}, err
		}
		cmp := "$lt"
		if !descending {
			cmp = "$gt"
		}
		sortVal := normalizeCursorVal(sortField, cur.SortVal)
		filter["$or"] = bson.A{
			bson.M{sortField: bson.M{cmp: sortVal}},
			bson.M{sortField: sortVal, "_id": bson.M{"$gt": id}},
		}
	}

	dir := -1
	if !descending {
		dir = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: dir}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.normalized.Find(ctx, filter, opts)
	if err != nil {
		return persistence.DataPage{}, fmt.Errorf("data query failed: %w", err)
	}
	defer cursor.Close(ctx)

	var page persistence.DataPage
	var lastID string
	var lastSortVal interface{}
	for cursor.Next(ctx) {
		var doc struct {
			ID                   primitive.ObjectID `bson:"_id"`
			models.UnifiedRecord `bson:",inline"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return persistence.DataPage{}, fmt.Errorf("failed to decode record: %w", err)
		}
		page.Records = append(page.Records, doc.UnifiedRecord)
		lastID = doc.ID.Hex()
		switch sortField {
		case "price_usd":
			lastSortVal = doc.PriceUSD
		case "symbol":
			lastSortVal = doc.Symbol
		default:
			lastSortVal = doc.Timestamp
		}
	}
	if err := cursor.Err(); err != nil {
		return persistence.DataPage{}, fmt.Errorf("data query failed: %w", err)
	}
	if len(page.Records) == limit {
		page.NextCursor = persistence.EncodeCursor(persistence.Cursor{SortVal: lastSortVal, ID: lastID})
	}
	return page, nil
}
