// Package records provides reference implementations of the business-record
// store that record-mutating actions write to.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

func notFound(entityType, id string) error {
	return fmt.Errorf("%s/%s: %w", entityType, id, ErrNotFound)
}

// cloneFields copies a record through JSON so callers never share maps with
// the store and every value has its JSON shape (numbers are float64).
func cloneFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return out, nil
}
