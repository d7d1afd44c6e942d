// Package polltick executes one source's full page walk per SPEC_FULL.md
// §4.H: circuit/rate/auth/retry via the HTTP engine, pagination, dedupe,
// sink emission, and state-store commit, in that order, once per tick.
package polltick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/dedupe"
	"github.com/ocx/helvault/internal/herrors"
	"github.com/ocx/helvault/internal/hooks"
	"github.com/ocx/helvault/internal/httpengine"
	"github.com/ocx/helvault/internal/metrics"
	"github.com/ocx/helvault/internal/pagination"
	"github.com/ocx/helvault/internal/sink"
	"github.com/ocx/helvault/internal/statestore"
)

// Runner owns the shared collaborators a tick needs: the HTTP engine
// (circuit/rate/retry/auth already wired), the state store, the dedupe
// registry, and the output sink. One Runner serves every source; per-source
// mutable state (single-flight marker, last error) lives in maps keyed by
// source id.
type Runner struct {
	Engine  *httpengine.Engine
	Store   statestore.Store
	Sink    sink.Sink
	Dedupes *dedupe.Store
	Metrics *metrics.Metrics // optional; nil disables instrumentation

	mu           sync.Mutex
	inFlight     map[string]bool
	lastError    map[string]string
	lastPollTime map[string]time.Time
}

// NewRunner wires a Runner around already-constructed collaborators.
func NewRunner(engine *httpengine.Engine, store statestore.Store, s sink.Sink, dedupes *dedupe.Store) *Runner {
	return &Runner{
		Engine:       engine,
		Store:        store,
		Sink:         s,
		Dedupes:      dedupes,
		inFlight:     make(map[string]bool),
		lastError:    make(map[string]string),
		lastPollTime: make(map[string]time.Time),
	}
}

// LastError returns the most recent tick failure recorded for sourceID, for
// the admin/health surface.
func (r *Runner) LastError(sourceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lastError[sourceID]
	return e, ok
}

func (r *Runner) tryAcquire(sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[sourceID] {
		return false
	}
	r.inFlight[sourceID] = true
	return true
}

func (r *Runner) release(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, sourceID)
}

func (r *Runner) recordError(sourceID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.lastError, sourceID)
		return
	}
	r.lastError[sourceID] = err.Error()
}

// Tick runs one source's full page walk (§4.H steps 2-6; step 1, the global
// concurrency semaphore, is the scheduler's responsibility — it must be
// acquired before calling Tick). Returns nil when another tick for the same
// source is already in flight (a no-op, not an error).
func (r *Runner) Tick(ctx context.Context, sourceID string, cfg config.SourceConfig, provider auth.Provider, hookRT *hooks.Runtime) error {
	if !r.tryAcquire(sourceID) {
		return nil
	}
	defer r.release(sourceID)

	start := time.Now()
	r.mu.Lock()
	r.lastPollTime[sourceID] = start
	r.mu.Unlock()

	err := r.runTick(ctx, sourceID, cfg, provider, hookRT)
	r.recordError(sourceID, err)

	if r.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.Metrics.RecordTick(sourceID, outcome, time.Since(start).Seconds())
		r.Metrics.SetCircuitState(sourceID, circuitNumericState(r.Engine.Breakers.Snapshot(sourceID).State))
	}
	return err
}

func circuitNumericState(s circuit.State) float64 {
	switch s {
	case circuit.HalfOpen:
		return 1
	case circuit.Open:
		return 2
	default:
		return 0
	}
}

func (r *Runner) runTick(ctx context.Context, sourceID string, cfg config.SourceConfig, provider auth.Provider, hookRT *hooks.Runtime) error {
	requestID := uuid.New().String()
	walker := pagination.NewWalker(cfg.Pagination, cfg.URL)

	seedState, err := r.seedState(ctx, sourceID, cfg.Pagination.Strategy)
	if err != nil {
		return fmt.Errorf("polltick: read seed state: %w", err)
	}
	pageURL, err := walker.Seed(seedState)
	if err != nil {
		return fmt.Errorf("polltick: seed pagination: %w", err)
	}

	dedupeLRU := r.Dedupes.For(sourceID, cfg.Dedupe.Capacity)

	var allEvents []hooks.Event
	maxPages := walker.MaxPages()
	for page := 0; page < maxPages; page++ {
		pageCfg, err := r.applyHookBuildRequest(ctx, hookRT, cfg, sourceID, requestID, pageURL)
		if err != nil {
			return fmt.Errorf("polltick: buildRequest hook: %w", err)
		}

		resp, err := r.fetchWithOAuthRetry(ctx, sourceID, pageCfg, provider)
		if err != nil {
			return fmt.Errorf("polltick: fetch page %d: %w", page, err)
		}

		events, err := r.parseEvents(ctx, hookRT, cfg, sourceID, requestID, pageURL, resp)
		if err != nil {
			if cfg.OnParseError == "skip" {
				slog.Warn("polltick: skipping tick after parse error", "source_id", sourceID, "page", page, "error", err)
				return nil
			}
			return fmt.Errorf("polltick: parse page %d: %w", page, &herrors.ParseError{Cause: err})
		}

		for _, ev := range events {
			id := extractID(ev.Event, cfg.Dedupe.IDPath)
			if cfg.Dedupe.Capacity > 0 && dedupeLRU.SeenAndAdd(id) {
				if r.Metrics != nil {
					r.Metrics.RecordDedupeHit(sourceID)
				}
				continue
			}
			if err := r.emit(sourceID, cfg, pageURL, requestID, ev); err != nil {
				return fmt.Errorf("polltick: sink write: %w", err)
			}
			if r.Metrics != nil {
				r.Metrics.RecordEventEmitted(sourceID)
			}
			allEvents = append(allEvents, ev)
		}

		next, err := r.nextPage(ctx, hookRT, cfg, sourceID, requestID, walker, pageURL, resp, page, len(events))
		if err != nil {
			return fmt.Errorf("polltick: compute next page: %w", err)
		}
		if err := r.persistState(ctx, sourceID, cfg.Pagination.Strategy, next.State); err != nil {
			return fmt.Errorf("polltick: persist state: %w", err)
		}
		if next.Done {
			break
		}
		pageURL = next.URL
	}

	if hookRT != nil {
		committed, err := hookRT.CommitState(hooks.Context{SourceID: sourceID, RequestID: requestID}, allEvents)
		if err != nil {
			return fmt.Errorf("polltick: commitState hook: %w", err)
		}
		for k, v := range committed {
			if err := r.Store.Set(ctx, sourceID, k, v); err != nil {
				return fmt.Errorf("polltick: persist commitState key %q: %w", k, err)
			}
		}
	}

	return nil
}

// fetchWithOAuthRetry wraps Engine.Fetch with §4.H step g: a 401 under
// OAuth2/GoogleServiceAccount auth invalidates the cached token (the engine
// already does this) and is retried exactly once, outside the engine's own
// retry budget.
func (r *Runner) fetchWithOAuthRetry(ctx context.Context, sourceID string, cfg config.SourceConfig, provider auth.Provider) (*httpengine.Response, error) {
	resp, err := r.Engine.Fetch(ctx, sourceID, cfg, provider, "")
	if err == nil {
		return resp, nil
	}
	if !isTokenRefreshableAuth(cfg.Auth.Type) || !is401(err) {
		return nil, err
	}
	return r.Engine.Fetch(ctx, sourceID, cfg, provider, "")
}

func isTokenRefreshableAuth(authType string) bool {
	return authType == "oauth2" || authType == "google_service_account"
}

func is401(err error) bool {
	var se *herrors.StatusError
	if errors.As(err, &se) {
		return se.Status == 401
	}
	return false
}

func (r *Runner) seedState(ctx context.Context, sourceID, strategy string) (pagination.State, error) {
	switch strategy {
	case "link_header":
		v, _, err := r.Store.Get(ctx, sourceID, statestore.KeyNextURL)
		return pagination.State{NextURL: v}, err
	case "cursor":
		v, _, err := r.Store.Get(ctx, sourceID, statestore.KeyCursor)
		return pagination.State{Cursor: v}, err
	default: // page_offset always restarts
		return pagination.State{}, nil
	}
}

func (r *Runner) persistState(ctx context.Context, sourceID, strategy string, state pagination.State) error {
	switch strategy {
	case "link_header":
		return r.Store.Set(ctx, sourceID, statestore.KeyNextURL, state.NextURL)
	case "cursor":
		return r.Store.Set(ctx, sourceID, statestore.KeyCursor, state.Cursor)
	default:
		return nil
	}
}

// applyHookBuildRequest lets a buildRequest(ctx) hook override the URL,
// headers, query, or body for this page's request. Returns cfg unchanged
// when no hook is configured or it returns nothing.
func (r *Runner) applyHookBuildRequest(ctx context.Context, hookRT *hooks.Runtime, cfg config.SourceConfig, sourceID, requestID, pageURL string) (config.SourceConfig, error) {
	out := cfg
	out.URL = pageURL
	if hookRT == nil {
		return out, nil
	}
	result, err := hookRT.BuildRequest(hooks.Context{SourceID: sourceID, RequestID: requestID, Headers: cfg.Headers})
	if err != nil {
		return out, err
	}
	if result == nil {
		return out, nil
	}
	if result.URL != "" {
		out.URL = result.URL
	}
	if len(result.Query) > 0 {
		merged, err := appendQuery(out.URL, result.Query)
		if err != nil {
			return out, err
		}
		out.URL = merged
	}
	if len(result.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Headers)+len(result.Headers))
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		for k, v := range result.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}
	if len(result.Body) > 0 {
		out.Body = string(result.Body)
	}
	return out, nil
}

func appendQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseEvents extracts events from the page response, preferring a
// parseResponse(ctx, response) hook when configured and it returns an
// array.
func (r *Runner) parseEvents(ctx context.Context, hookRT *hooks.Runtime, cfg config.SourceConfig, sourceID, requestID, pageURL string, resp *httpengine.Response) ([]hooks.Event, error) {
	if hookRT != nil {
		events, called, err := hookRT.ParseResponse(
			hooks.Context{SourceID: sourceID, RequestID: requestID, Headers: cfg.Headers},
			hooks.Response{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: resp.Body},
		)
		if err != nil {
			return nil, err
		}
		if called {
			return events, nil
		}
	}

	raw, err := pagination.ExtractEvents(resp.Body)
	if err != nil {
		return nil, err
	}
	events := make([]hooks.Event, 0, len(raw))
	for _, ev := range raw {
		events = append(events, hooks.Event{
			TS:     extractTimestamp(ev),
			Source: sourceID,
			Event:  ev,
		})
	}
	return events, nil
}

func (r *Runner) nextPage(ctx context.Context, hookRT *hooks.Runtime, cfg config.SourceConfig, sourceID, requestID string, walker *pagination.Walker, pageURL string, resp *httpengine.Response, page, eventCount int) (pagination.NextResult, error) {
	if hookRT != nil {
		next, err := hookRT.GetNextPage(
			hooks.Context{SourceID: sourceID, RequestID: requestID, Headers: cfg.Headers},
			hooks.Request{URL: pageURL},
			hooks.Response{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: resp.Body},
		)
		if err != nil {
			return pagination.NextResult{}, err
		}
		if next != nil {
			if next.URL == "" {
				return pagination.NextResult{Done: true}, nil
			}
			return pagination.NextResult{URL: next.URL}, nil
		}
	}
	return walker.Next(pagination.NextInput{
		RequestURL: pageURL,
		Body:       resp.Body,
		Header:     resp.Header,
		Page:       page,
		EventCount: eventCount,
	})
}

func flattenHeader(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// emit builds the NDJSON EmittedEvent envelope and writes it to the sink.
func (r *Runner) emit(sourceID string, cfg config.SourceConfig, endpoint, requestID string, ev hooks.Event) error {
	line, err := json.Marshal(emittedEvent{
		TS:       orNow(ev.TS),
		Source:   sourceID,
		Endpoint: endpoint,
		Event:    ev.Event,
		Meta:     buildMeta(ev.Meta, requestID),
	})
	if err != nil {
		return err
	}
	return r.Sink.WriteLine(sourceID, line)
}

type emittedEvent struct {
	TS       string          `json:"ts"`
	Source   string          `json:"source"`
	Endpoint string          `json:"endpoint"`
	Event    json.RawMessage `json:"event"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

func buildMeta(hookMeta json.RawMessage, requestID string) json.RawMessage {
	meta := map[string]string{"request_id": requestID}
	if len(hookMeta) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(hookMeta, &m); err == nil {
			if c, ok := m["cursor"].(string); ok {
				meta["cursor"] = c
			}
		}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return b
}

func orNow(ts string) string {
	if ts != "" {
		return ts
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// extractID reads idPath (dotted, default "id") from event as a string,
// stringifying numeric/bool leaves. An absent or unresolvable path yields
// "", which dedupe always treats as new.
func extractID(event json.RawMessage, idPath string) string {
	if idPath == "" {
		idPath = "id"
	}
	var v interface{}
	if err := json.Unmarshal(event, &v); err != nil {
		return ""
	}
	for _, part := range strings.Split(idPath, ".") {
		m, ok := v.(map[string]interface{})
		if !ok {
			return ""
		}
		v = m[part]
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// extractTimestamp picks the event's own timestamp field, per §4.H: first
// non-empty of published/timestamp/ts/created_at, else wall-clock now.
func extractTimestamp(event json.RawMessage) string {
	var m map[string]interface{}
	if err := json.Unmarshal(event, &m); err != nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	for _, key := range []string{"published", "timestamp", "ts", "created_at"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}
