// Package adminapi exposes the health/readiness probes and the
// sources/config/reload control surface over gorilla/mux, grounded on the
// teacher's internal/api/server.go router + CORS-middleware pattern, with
// response shapes grounded on original_source/src/health.rs.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/metrics"
	"github.com/ocx/helvault/internal/polltick"
	"github.com/ocx/helvault/internal/statestore"
)

// Scheduler is the subset of *scheduler.Scheduler the admin API drives;
// declared as an interface here so this package depends only on Trigger
// rather than on internal/scheduler.
type Scheduler interface {
	Trigger(ctx context.Context, sourceID string) error
}

// Server bundles everything the admin/health handlers read from.
type Server struct {
	configMgr *config.Manager
	breakers  *circuit.Manager
	runner    *polltick.Runner
	store     statestore.Store
	metrics   *metrics.Metrics
	scheduler Scheduler
	startedAt time.Time
}

// New builds an admin/health Server. scheduler may be nil (e.g. --once
// runs), in which case POST /api/v1/sources/:id/poll returns 503.
func New(configMgr *config.Manager, breakers *circuit.Manager, runner *polltick.Runner, store statestore.Store, m *metrics.Metrics, scheduler Scheduler) *Server {
	return &Server{
		configMgr: configMgr,
		breakers:  breakers,
		runner:    runner,
		store:     store,
		metrics:   m,
		scheduler: scheduler,
		startedAt: time.Now(),
	}
}

// Router builds the mux.Router serving every admin/health route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	cfg := s.configMgr.Current()
	if cfg.Global.Health.Enabled {
		r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
		r.HandleFunc("/startupz", s.handleStartupz).Methods(http.MethodGet)
	}
	if cfg.Global.API.Enabled {
		r.HandleFunc("/api/v1/sources", s.handleListSources).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/sources/{id}", s.handleGetSource).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/sources/{id}/state", s.handleSourceState).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/sources/{id}/config", s.handleSourceConfig).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/config", s.handleConfig).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/sources/{id}/poll", s.handleTriggerPoll).Methods(http.MethodPost)
		r.HandleFunc("/api/v1/reload", s.handleReload).Methods(http.MethodPost)
	}
	if cfg.Global.Metrics.Enabled && s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// circuitStateDTO mirrors original_source/src/health.rs's CircuitStateDto.
type circuitStateDTO struct {
	State         string   `json:"state"`
	Failures      *int     `json:"failures,omitempty"`
	OpenUntilSecs *float64 `json:"open_until_secs,omitempty"`
	Successes     *int     `json:"successes,omitempty"`
}

func toCircuitDTO(snap circuit.Snapshot) circuitStateDTO {
	switch snap.State {
	case circuit.Open:
		remaining := time.Until(snap.OpenUntil).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		return circuitStateDTO{State: "open", OpenUntilSecs: &remaining}
	case circuit.HalfOpen:
		successes := snap.Successes
		return circuitStateDTO{State: "half_open", Successes: &successes}
	default:
		failures := snap.Failures
		return circuitStateDTO{State: "closed", Failures: &failures}
	}
}

// sourceStatusDTO mirrors original_source/src/health.rs's SourceStatusDto.
type sourceStatusDTO struct {
	Status       string          `json:"status"`
	CircuitState circuitStateDTO `json:"circuit_state"`
	LastError    *string         `json:"last_error,omitempty"`
}

func (s *Server) buildSources(cfg *config.Config) map[string]sourceStatusDTO {
	out := make(map[string]sourceStatusDTO, len(cfg.Sources))
	for id := range cfg.Sources {
		circuitDTO := toCircuitDTO(s.breakers.Snapshot(id))
		var lastErrPtr *string
		status := "ok"
		if circuitDTO.State == "open" {
			status = "unhealthy"
		} else if lastErr, ok := s.runner.LastError(id); ok {
			lastErrPtr = &lastErr
			status = "degraded"
		}
		out[id] = sourceStatusDTO{Status: status, CircuitState: circuitDTO, LastError: lastErrPtr}
	}
	return out
}

func (s *Server) uptimeSecs() float64 {
	return time.Since(s.startedAt).Seconds()
}

type healthBody struct {
	Version string                     `json:"version"`
	Uptime  float64                    `json:"uptime_secs"`
	Sources map[string]sourceStatusDTO `json:"sources"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Current()
	writeJSON(w, http.StatusOK, healthBody{
		Version: version,
		Uptime:  s.uptimeSecs(),
		Sources: s.buildSources(cfg),
	})
}

type readyBody struct {
	Version                  string                     `json:"version"`
	Uptime                   float64                    `json:"uptime_secs"`
	Ready                    bool                       `json:"ready"`
	OutputWritable           *bool                      `json:"output_writable,omitempty"`
	StateStoreConnected      bool                       `json:"state_store_connected"`
	AtLeastOneSourceHealthy  bool                       `json:"at_least_one_source_healthy"`
	Sources                  map[string]sourceStatusDTO `json:"sources"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Current()
	sources := s.buildSources(cfg)

	outputWritable := outputPathWritable(cfg.Global.Output)
	stateStoreConnected := true
	if s.store != nil {
		if _, err := s.store.ListSources(r.Context()); err != nil {
			stateStoreConnected = false
		}
	}
	atLeastOneHealthy := false
	for _, status := range sources {
		if status.Status != "unhealthy" {
			atLeastOneHealthy = true
			break
		}
	}

	outputOK := outputWritable == nil || *outputWritable
	ready := outputOK && stateStoreConnected && atLeastOneHealthy

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyBody{
		Version:                 version,
		Uptime:                  s.uptimeSecs(),
		Ready:                   ready,
		OutputWritable:          outputWritable,
		StateStoreConnected:     stateStoreConnected,
		AtLeastOneSourceHealthy: atLeastOneHealthy,
		Sources:                 sources,
	})
}

// outputPathWritable reports whether the configured file sink's path is
// appendable, or nil when the destination has no filesystem path (stdout,
// pubsub) — those are always considered writable.
func outputPathWritable(out config.OutputConfig) *bool {
	if out.Destination != "file" || out.File == nil || out.File.Path == "" {
		return nil
	}
	f, err := os.OpenFile(out.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	ok := err == nil
	if f != nil {
		f.Close()
	}
	return &ok
}

type startupBody struct {
	Version string                     `json:"version"`
	Uptime  float64                    `json:"uptime_secs"`
	Started bool                       `json:"started"`
	Sources map[string]sourceStatusDTO `json:"sources"`
}

func (s *Server) handleStartupz(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Current()
	writeJSON(w, http.StatusOK, startupBody{
		Version: version,
		Uptime:  s.uptimeSecs(),
		Started: true,
		Sources: s.buildSources(cfg),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Current()
	writeJSON(w, http.StatusOK, healthBody{
		Version: version,
		Uptime:  s.uptimeSecs(),
		Sources: s.buildSources(cfg),
	})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg := s.configMgr.Current()
	if _, ok := cfg.Sources[id]; !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	sources := s.buildSources(cfg)
	writeJSON(w, http.StatusOK, sources[id])
}

func (s *Server) handleSourceState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg := s.configMgr.Current()
	if _, ok := cfg.Sources[id]; !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	keys, err := s.store.ListKeys(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	state := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok, err := s.store.Get(r.Context(), id, key)
		if err == nil && ok {
			state[key] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"source_id": id, "state": state})
}

func (s *Server) handleSourceConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg := s.configMgr.Current()
	src, ok := cfg.Sources[id]
	if !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Current())
}

func (s *Server) handleTriggerPoll(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg := s.configMgr.Current()
	if _, ok := cfg.Sources[id]; !ok {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	if s.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"source_id": id, "ok": false, "error": "scheduler not running",
		})
		return
	}
	err := s.scheduler.Trigger(r.Context(), id)
	resp := map[string]interface{}{"source_id": id, "ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	err := s.configMgr.Reload()
	resp := map[string]interface{}{"ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if s.configMgr.Current().Global.Reload.RestartSourcesOnSighup {
		for id := range s.configMgr.Current().Sources {
			s.breakers.Reset(id)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// version is reported in every health body; set at build time in a full
// release pipeline, left at a fixed placeholder here since this module has
// no build-stamping step.
const version = "dev"
