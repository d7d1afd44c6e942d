package statestore

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Fallback wraps a durable Store and transparently swaps to an in-memory
// store for the remainder of the process when the durable backend errors,
// per §9's StateStoreError handling ("if state_store_fallback=memory, swap
// to in-memory store for the process lifetime and mark
// state_store_fallback_active=true").
type Fallback struct {
	primary Store
	memory  *Memory
	active  atomic.Bool // true once fallen back
	enabled bool        // whether fallback-on-error is configured at all
}

// NewFallback wraps primary; enabled controls whether an error actually
// triggers the fallback or is simply propagated (enabled=false reproduces
// a non-degrading deployment).
func NewFallback(primary Store, enabled bool) *Fallback {
	return &Fallback{primary: primary, memory: NewMemory(), enabled: enabled}
}

// Active reports whether the fallback has been triggered (the
// state_store_fallback_active runtime flag).
func (f *Fallback) Active() bool { return f.active.Load() }

func (f *Fallback) current() Store {
	if f.active.Load() {
		return f.memory
	}
	return f.primary
}

func (f *Fallback) trip(err error) {
	if !f.enabled || err == nil {
		return
	}
	if f.active.CompareAndSwap(false, true) {
		slog.Error("state store backend failed, degrading to in-memory store", "error", err)
	}
}

func (f *Fallback) Get(ctx context.Context, sourceID, key string) (string, bool, error) {
	v, ok, err := f.current().Get(ctx, sourceID, key)
	if err != nil && f.enabled && f.current() == f.primary {
		f.trip(err)
		return f.memory.Get(ctx, sourceID, key)
	}
	return v, ok, err
}

func (f *Fallback) Set(ctx context.Context, sourceID, key, value string) error {
	err := f.current().Set(ctx, sourceID, key, value)
	if err != nil && f.enabled && f.current() == f.primary {
		f.trip(err)
		return f.memory.Set(ctx, sourceID, key, value)
	}
	return err
}

func (f *Fallback) ListKeys(ctx context.Context, sourceID string) ([]string, error) {
	keys, err := f.current().ListKeys(ctx, sourceID)
	if err != nil && f.enabled && f.current() == f.primary {
		f.trip(err)
		return f.memory.ListKeys(ctx, sourceID)
	}
	return keys, err
}

func (f *Fallback) ListSources(ctx context.Context) ([]string, error) {
	sources, err := f.current().ListSources(ctx)
	if err != nil && f.enabled && f.current() == f.primary {
		f.trip(err)
		return f.memory.ListSources(ctx)
	}
	return sources, err
}

func (f *Fallback) ClearSource(ctx context.Context, sourceID string) error {
	err := f.current().ClearSource(ctx, sourceID)
	if err != nil && f.enabled && f.current() == f.primary {
		f.trip(err)
		return f.memory.ClearSource(ctx, sourceID)
	}
	return err
}

func (f *Fallback) Close() error { return f.primary.Close() }
