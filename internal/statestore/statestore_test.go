package statestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetThenGetReturnsValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "src-1", "cursor", "abc"))
	v, ok, err := m.Get(ctx, "src-1", "cursor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestMemory_GetMissingReturnsNotOK(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get(context.Background(), "src-1", "cursor")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ClearSourceRemovesOnlyThatSource(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "src-1", "cursor", "a"))
	require.NoError(t, m.Set(ctx, "src-2", "cursor", "b"))

	require.NoError(t, m.ClearSource(ctx, "src-1"))

	_, ok, _ := m.Get(ctx, "src-1", "cursor")
	assert.False(t, ok)
	v, ok, _ := m.Get(ctx, "src-2", "cursor")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestMemory_ListKeysAndListSources(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "src-1", "cursor", "a"))
	require.NoError(t, m.Set(ctx, "src-1", "next_url", "u"))
	require.NoError(t, m.Set(ctx, "src-2", "cursor", "b"))

	keys, err := m.ListKeys(ctx, "src-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cursor", "next_url"}, keys)

	sources, err := m.ListSources(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src-1", "src-2"}, sources)
}

// failingStore always errors, simulating an unreachable durable backend.
type failingStore struct{}

func (failingStore) Get(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("boom")
}
func (failingStore) Set(context.Context, string, string, string) error { return errors.New("boom") }
func (failingStore) ListKeys(context.Context, string) ([]string, error) {
	return nil, errors.New("boom")
}
func (failingStore) ListSources(context.Context) ([]string, error) { return nil, errors.New("boom") }
func (failingStore) ClearSource(context.Context, string) error     { return errors.New("boom") }
func (failingStore) Close() error                                  { return nil }

func TestFallback_TripsToMemoryOnPrimaryError(t *testing.T) {
	fb := NewFallback(failingStore{}, true)
	ctx := context.Background()

	assert.False(t, fb.Active())
	err := fb.Set(ctx, "src-1", "cursor", "abc")
	require.NoError(t, err, "fallback should absorb the primary's error once degradation is enabled")
	assert.True(t, fb.Active())

	v, ok, err := fb.Get(ctx, "src-1", "cursor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestFallback_DisabledPropagatesError(t *testing.T) {
	fb := NewFallback(failingStore{}, false)
	err := fb.Set(context.Background(), "src-1", "cursor", "abc")
	assert.Error(t, err)
	assert.False(t, fb.Active())
}
