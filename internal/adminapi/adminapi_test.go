package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/dedupe"
	"github.com/ocx/helvault/internal/httpengine"
	"github.com/ocx/helvault/internal/metrics"
	"github.com/ocx/helvault/internal/polltick"
	"github.com/ocx/helvault/internal/ratelimit"
	"github.com/ocx/helvault/internal/sink"
	"github.com/ocx/helvault/internal/statestore"
)

type stubScheduler struct {
	triggered []string
	err       error
}

func (s *stubScheduler) Trigger(_ context.Context, sourceID string) error {
	s.triggered = append(s.triggered, sourceID)
	return s.err
}

func writeTestConfig(t *testing.T) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "helvault.yaml")
	yamlDoc := `
global:
  health: { enabled: true }
  api: { enabled: true }
  metrics: { enabled: true }
sources:
  src-1:
    url: "https://example.com/events"
    pagination: { strategy: link_header }
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)
	return mgr
}

func newTestServer(t *testing.T, scheduler Scheduler) *Server {
	t.Helper()
	mgr := writeTestConfig(t)
	breakers := circuit.NewManager()
	store := statestore.NewMemory()
	engine := &httpengine.Engine{Breakers: breakers, Limiters: ratelimit.NewRegistry()}
	var snk sink.Sink = noopSink{}
	runner := polltick.NewRunner(engine, store, snk, dedupe.NewStore())
	return New(mgr, breakers, runner, store, metrics.New(), scheduler)
}

type noopSink struct{}

func (noopSink) WriteLine(string, []byte) error { return nil }
func (noopSink) Flush() error                    { return nil }
func (noopSink) Close() error                    { return nil }

func TestHealthz_ReturnsOkWithSourceStatuses(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Sources, "src-1")
	assert.Equal(t, "ok", body.Sources["src-1"].Status)
}

func TestReadyz_ReadyWhenStateStoreConnectedAndSourceHealthy(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body readyBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.True(t, body.StateStoreConnected)
}

func TestReadyz_NotReadyWhenCircuitOpenForOnlySource(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.breakers.Record("src-1", circuit.Config{Enabled: true, FailureThreshold: 1}, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSource_UnknownSourceReturns404(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources/missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerPoll_WithoutSchedulerReturns503(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/src-1/poll", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerPoll_WithSchedulerDelegatesTrigger(t *testing.T) {
	sched := &stubScheduler{}
	srv := newTestServer(t, sched)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/src-1/poll", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"src-1"}, sched.triggered)
}

func TestReload_ReturnsOkOnValidConfig(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_ExposesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
