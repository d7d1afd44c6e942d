// Package pagination implements the three page-walk strategies from
// SPEC_FULL.md §4.G: link-header (RFC 5988), cursor, and page-offset, plus
// the shared response-body-to-events extraction rule.
package pagination

import (
	"encoding/json"
	"fmt"
)

// State is the persisted cursor/next-url pair a source carries between
// ticks, mirroring the state store's reserved "next_url"/"cursor" keys.
type State struct {
	NextURL string
	Cursor  string
}

// extractionKeys is the ordered set of object keys tried when a response
// body is a JSON object rather than a bare array, per §4.G.
var extractionKeys = []string{"items", "data", "events", "logs"}

// ExtractEvents applies §4.G's body-to-events rule: a JSON array becomes one
// event per element; an object is probed for items/data/events/logs (first
// array match wins); anything else is treated as a single event.
func ExtractEvents(body []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("pagination: body is neither a JSON array nor object: %w", err)
	}

	for _, key := range extractionKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var candidate []json.RawMessage
		if err := json.Unmarshal(raw, &candidate); err == nil {
			return candidate, nil
		}
	}

	// No array-valued key found: the whole object is a single event.
	whole, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("pagination: re-marshal single event: %w", err)
	}
	return []json.RawMessage{whole}, nil
}
