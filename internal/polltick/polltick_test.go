package polltick

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/dedupe"
	"github.com/ocx/helvault/internal/httpengine"
	"github.com/ocx/helvault/internal/ratelimit"
	"github.com/ocx/helvault/internal/statestore"
)

// recordingSink captures every written line for assertion.
type recordingSink struct {
	lines [][]byte
}

func (s *recordingSink) WriteLine(_ string, line []byte) error {
	cp := make([]byte, len(line))
	copy(cp, line)
	s.lines = append(s.lines, cp)
	return nil
}
func (s *recordingSink) Flush() error { return nil }
func (s *recordingSink) Close() error { return nil }

func newTestRunner(snk *recordingSink) (*Runner, statestore.Store) {
	engine := &httpengine.Engine{
		Breakers: circuit.NewManager(),
		Limiters: ratelimit.NewRegistry(),
	}
	store := statestore.NewMemory()
	return NewRunner(engine, store, snk, dedupe.NewStore()), store
}

func TestTick_SinglePageLinkHeaderEmitsAndPersistsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"e1","msg":"hello"}]`))
	}))
	defer srv.Close()

	snk := &recordingSink{}
	runner, store := newTestRunner(snk)

	cfg := config.SourceConfig{
		URL:    srv.URL,
		Method: "GET",
		Pagination: config.PaginationConfig{
			Strategy: "link_header",
			MaxPages: 5,
		},
		Dedupe:       config.DedupeConfig{IDPath: "id", Capacity: 100},
		OnParseError: "fail",
	}

	err := runner.Tick(context.Background(), "src-1", cfg, auth.None{}, nil)
	require.NoError(t, err)
	require.Len(t, snk.lines, 1)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(snk.lines[0], &line))
	assert.Equal(t, "src-1", line["source"])
	assert.NotEmpty(t, line["ts"])

	_, ok, err := store.Get(context.Background(), "src-1", statestore.KeyNextURL)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTick_DuplicateEventIDIsDeduped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"dup-1","msg":"first"},{"id":"dup-1","msg":"second"}]`))
	}))
	defer srv.Close()

	snk := &recordingSink{}
	runner, _ := newTestRunner(snk)

	cfg := config.SourceConfig{
		URL:          srv.URL,
		Method:       "GET",
		Pagination:   config.PaginationConfig{Strategy: "page_offset", MaxPages: 1},
		Dedupe:       config.DedupeConfig{IDPath: "id", Capacity: 1000},
		OnParseError: "fail",
	}

	err := runner.Tick(context.Background(), "src-1", cfg, auth.None{}, nil)
	require.NoError(t, err)
	require.Len(t, snk.lines, 1)
}

func TestTick_SecondCallWhileInFlightIsNoop(t *testing.T) {
	snk := &recordingSink{}
	runner, _ := newTestRunner(snk)
	runner.inFlight["src-1"] = true

	err := runner.Tick(context.Background(), "src-1", config.SourceConfig{}, auth.None{}, nil)
	require.NoError(t, err)
	assert.Empty(t, snk.lines)
}

func TestTick_ParseErrorWithSkipPolicyReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	snk := &recordingSink{}
	runner, _ := newTestRunner(snk)

	cfg := config.SourceConfig{
		URL:          srv.URL,
		Method:       "GET",
		Pagination:   config.PaginationConfig{Strategy: "page_offset", MaxPages: 1},
		Dedupe:       config.DedupeConfig{IDPath: "id", Capacity: 100},
		OnParseError: "skip",
	}

	err := runner.Tick(context.Background(), "src-1", cfg, auth.None{}, nil)
	require.NoError(t, err)
	assert.Empty(t, snk.lines)
}

func TestTick_ParseErrorWithFailPolicyReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	snk := &recordingSink{}
	runner, _ := newTestRunner(snk)

	cfg := config.SourceConfig{
		URL:          srv.URL,
		Method:       "GET",
		Pagination:   config.PaginationConfig{Strategy: "page_offset", MaxPages: 1},
		Dedupe:       config.DedupeConfig{IDPath: "id", Capacity: 100},
		OnParseError: "fail",
	}

	err := runner.Tick(context.Background(), "src-1", cfg, auth.None{}, nil)
	require.Error(t, err)
}

func TestExtractID_ResolvesDottedPath(t *testing.T) {
	id := extractID(json.RawMessage(`{"data":{"id":"abc"}}`), "data.id")
	assert.Equal(t, "abc", id)
}

func TestExtractID_MissingPathReturnsEmpty(t *testing.T) {
	id := extractID(json.RawMessage(`{"other":1}`), "id")
	assert.Equal(t, "", id)
}

func TestExtractTimestamp_PrefersPublishedField(t *testing.T) {
	ts := extractTimestamp(json.RawMessage(`{"published":"2024-01-01T00:00:00Z","timestamp":"2025-01-01T00:00:00Z"}`))
	assert.Equal(t, "2024-01-01T00:00:00Z", ts)
}

func TestExtractTimestamp_FallsBackToNow(t *testing.T) {
	ts := extractTimestamp(json.RawMessage(`{}`))
	assert.NotEmpty(t, ts)
}
