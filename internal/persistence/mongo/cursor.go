package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coinflux/coinflux/internal/validate"
)

func decodeObjectID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("malformed cursor id: %w", err)
	}
	return id, nil
}

// normalizeCursorVal undoes the JSON round-trip the opaque cursor imposes on
// sort values: timestamps come back as RFC3339 strings and need to be
// BSON datetimes again for the keyset comparison.
func normalizeCursorVal(sortField string, v interface{}) interface{} {
	if sortField != "timestamp" {
		return v
	}
	if ts, err := validate.ParseTimestamp(v); err == nil {
		return ts
	}
	return v
}
