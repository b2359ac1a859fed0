// Package mongo implements the persistence contracts on a MongoDB document
// store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/coinflux/coinflux/internal/persistence"
)

// Collection names. The scraper-facing stats and the ops runbooks refer to
// these by name, keep them stable.
const (
	rawCollection        = "raw_crypto_data"
	normalizedCollection = "normalized_crypto_data"
	runsCollection       = "etlruns"
	checkpointCollection = "etlcheckpoints"
)

const opTimeout = 10 * time.Second

// Store wires the three repositories to one client and database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	sink        *recordSink
	checkpoints *checkpointStore
	ledger      *runLedger
}

// Connect dials the document store and builds the repositories.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongodb unreachable: %w", err)
	}

	db := client.Database(database)
	s := &Store{client: client, db: db}
	s.sink = &recordSink{
		raw:        db.Collection(rawCollection),
		normalized: db.Collection(normalizedCollection),
	}
	s.checkpoints = &checkpointStore{coll: db.Collection(checkpointCollection)}
	s.ledger = &runLedger{coll: db.Collection(runsCollection)}
	return s, nil
}

func (s *Store) Sink() persistence.RecordSink             { return s.sink }
func (s *Store) Checkpoints() persistence.CheckpointStore { return s.checkpoints }
func (s *Store) Ledger() persistence.RunLedger            { return s.ledger }

// Ping verifies the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Close releases the client during graceful shutdown.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
