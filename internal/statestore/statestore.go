// Package statestore implements the pluggable (source_id, key) → value
// contract from SPEC_FULL.md §4.A, with memory, SQLite, Redis, and
// Postgres backends plus a degrade-to-memory fallback wrapper.
package statestore

import (
	"context"

	"github.com/ocx/helvault/internal/herrors"
)

// Reserved state keys every source may carry (§3 StateRecord).
const (
	KeyNextURL   = "next_url"
	KeyCursor    = "cursor"
	KeyWatermark = "watermark"
)

// Store is the durable key/value contract §4.A defines. Values are opaque
// UTF-8 strings; callers own any further structure (JSON, etc).
type Store interface {
	Get(ctx context.Context, sourceID, key string) (value string, ok bool, err error)
	Set(ctx context.Context, sourceID, key, value string) error
	ListKeys(ctx context.Context, sourceID string) ([]string, error)
	ListSources(ctx context.Context) ([]string, error)
	ClearSource(ctx context.Context, sourceID string) error
	Close() error
}

// wrapErr tags a backend error with herrors.StateStoreError so callers can
// errors.As for it regardless of which backend produced it.
func wrapErr(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &herrors.StateStoreError{Backend: backend, Cause: err}
}
