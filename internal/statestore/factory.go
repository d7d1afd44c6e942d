package statestore

import (
	"context"
	"fmt"

	"github.com/ocx/helvault/internal/config"
)

// New constructs the configured backend, wrapped in Fallback when
// degradation.state_store_fallback is set to "memory".
func New(ctx context.Context, global config.GlobalConfig) (*Fallback, error) {
	var primary Store
	var err error

	switch global.State.Backend {
	case "", "memory":
		primary = NewMemory()
	case "sqlite":
		primary, err = NewSQLite(global.State.Path)
	case "redis":
		primary, err = NewRedis(ctx, global.State.URL, "", 0)
	case "postgres":
		primary, err = NewPostgres(ctx, global.State.URL)
	default:
		return nil, fmt.Errorf("statestore: unknown backend %q", global.State.Backend)
	}
	if err != nil {
		if global.Degradation.StateStoreFallback != "memory" {
			return nil, err
		}
		// Mandatory backend unreachable without fallback configured is a
		// startup error (§9); here fallback IS configured, so we start on
		// memory immediately rather than failing to boot.
		fb := NewFallback(NewMemory(), true)
		fb.active.Store(true)
		return fb, nil
	}

	return NewFallback(primary, global.Degradation.StateStoreFallback == "memory"), nil
}
