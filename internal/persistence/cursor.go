package persistence

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the decoded form of the opaque pagination token: the sort value
// and document id of the last record on the previous page.
type Cursor struct {
	SortVal interface{} `json:"v"`
	ID      string      `json:"id"`
}

// EncodeCursor serializes a cursor to its opaque wire form.
func EncodeCursor(c Cursor) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	return c, nil
}
