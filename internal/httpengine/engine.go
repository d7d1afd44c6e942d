package httpengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/herrors"
	"github.com/ocx/helvault/internal/metrics"
	"github.com/ocx/helvault/internal/ratelimit"
)

// Response is the outcome of one successful fetch: status, body, and
// headers, enough for the pagination engine to extract the next page.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Engine executes one source's HTTP fetch with circuit breaking, rate
// limiting, retry/backoff, and auth composition layered on top, grounded on
// original_source/src/client.rs (BuildRequestContext) and retry.rs
// (execute_with_retry).
type Engine struct {
	Breakers *circuit.Manager
	Limiters *ratelimit.Registry
	DPoPKeys *auth.KeyCache

	// Metrics is optional; when set, each retried attempt is recorded
	// against it labeled by source and response status class.
	Metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewEngine wires a fresh breaker/limiter/key-cache set. Callers that
// already maintain shared instances (e.g. the scheduler) should construct
// Engine directly with those fields set instead.
func NewEngine() *Engine {
	return &Engine{
		Breakers: circuit.NewManager(),
		Limiters: ratelimit.NewRegistry(),
		DPoPKeys: auth.NewKeyCache(),
		clients:  make(map[string]*http.Client),
	}
}

func (e *Engine) clientFor(sourceID string, r config.ResilienceConfig) (*http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clients == nil {
		e.clients = make(map[string]*http.Client)
	}
	if c, ok := e.clients[sourceID]; ok {
		return c, nil
	}
	c, err := NewClient(sourceID, r)
	if err != nil {
		return nil, err
	}
	e.clients[sourceID] = c
	return c, nil
}

// Fetch performs one URL fetch for a source, including retry/backoff,
// circuit breaking, rate limiting, and auth (including DPoP proof and
// nonce-challenge retry). bearerOverride, when non-empty, replaces the
// provider's resolved bearer token entirely (no composition), matching
// auth.ApplyAuthorizationHeader's contract.
func (e *Engine) Fetch(ctx context.Context, sourceID string, src config.SourceConfig, provider auth.Provider, bearerOverride string) (*Response, error) {
	cbCfg := circuitConfig(src.Resilience.CircuitBreaker)
	if ok, openUntil := e.Breakers.Allow(sourceID, cbCfg); !ok {
		return nil, &herrors.CircuitOpenError{OpenUntil: openUntil}
	}

	rlCfg := rateLimitConfig(src.Resilience.RateLimit)
	if err := e.Limiters.Wait(ctx, sourceID, rlCfg); err != nil {
		return nil, fmt.Errorf("httpengine: rate limit wait: %w", err)
	}

	client, err := e.clientFor(sourceID, src.Resilience)
	if err != nil {
		e.Breakers.Record(sourceID, cbCfg, false)
		return nil, err
	}

	retry := retryConfig(src.Resilience.Retries)
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var nonce string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, retryErr := e.attempt(ctx, client, sourceID, src, provider, bearerOverride, nonce)
		if retryErr == nil {
			e.Breakers.Record(sourceID, cbCfg, true)
			return resp, nil
		}

		if nonceErr, ok := retryErr.(dpopNonceChallenge); ok {
			// Retry immediately with the server-supplied nonce; this attempt
			// doesn't count against backoff since no delay is warranted.
			nonce = nonceErr.nonce
			attempt--
			continue
		}

		lastErr = retryErr
		statusErr, retryable := asRetryableStatus(retryErr)
		if !retryable {
			// A status error that isn't 5xx (401, 403, 404, 400, ...) is an
			// auth or validation problem, not a breaker failure: §4.C/§4.H
			// only count success = status < 500 against the circuit.
			success := statusErr != nil && statusErr.Status < 500
			e.Breakers.Record(sourceID, cbCfg, success)
			return nil, lastErr
		}

		if attempt+1 >= maxAttempts {
			break
		}

		if e.Metrics != nil {
			e.Metrics.RecordRetry(sourceID, statusClassFor(retryErr))
		}

		delay := backoffDelay(retry, attempt)
		if statusErr != nil && statusErr.Status == http.StatusTooManyRequests && src.Resilience.RateLimit != nil && src.Resilience.RateLimit.RespectHeaders {
			if d, ok := ratelimit.RetryAfterDelay(statusErr.RetryAfter, statusErr.RateLimitReset, retry.MaxBackoff); ok {
				delay = d
			}
		}
		select {
		case <-ctx.Done():
			e.Breakers.Record(sourceID, cbCfg, false)
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	lastStatusErr, _ := asRetryableStatus(lastErr)
	success := lastStatusErr != nil && lastStatusErr.Status < 500
	e.Breakers.Record(sourceID, cbCfg, success)
	return nil, lastErr
}

// statusErrInfo carries the extra headers asRetryableStatus needs without
// widening herrors.StatusError, which is a shared, header-agnostic type.
type statusErrInfo struct {
	*herrors.StatusError
	RetryAfter     string
	RateLimitReset string
}

// Unwrap exposes the embedded StatusError to errors.As/errors.Is.
func (e *statusErrInfo) Unwrap() error { return e.StatusError }

// dpopNonceChallenge signals a 401 DPoP-Nonce challenge: retry once with
// the supplied nonce rather than treating it as a terminal failure.
type dpopNonceChallenge struct{ nonce string }

func (dpopNonceChallenge) Error() string { return "dpop: nonce challenge" }

func (e *Engine) attempt(ctx context.Context, client *http.Client, sourceID string, src config.SourceConfig, provider auth.Provider, bearerOverride, nonce string) (*Response, error) {
	req, err := buildRequest(ctx, src)
	if err != nil {
		return nil, err
	}

	resolved, err := provider.Resolve(ctx, sourceID)
	if err != nil {
		return nil, &herrors.AuthError{Provider: src.Auth.Type, Cause: err}
	}

	var dpopProof string
	accessToken := resolved.BearerToken
	if bearerOverride != "" {
		accessToken = bearerOverride
	}
	if src.Auth.DPoPEnabled {
		key, err := e.DPoPKeys.KeyFor(sourceID)
		if err != nil {
			return nil, &herrors.AuthError{Provider: "dpop", Cause: err}
		}
		dpopProof, err = auth.BuildProof(key, req.Method, req.URL.String(), accessToken, nonce)
		if err != nil {
			return nil, &herrors.AuthError{Provider: "dpop", Cause: err}
		}
	}
	auth.ApplyAuthorizationHeader(req, resolved, dpopProof, bearerOverride)
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &herrors.TransportError{Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &herrors.TransportError{Cause: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if src.Auth.DPoPEnabled && nonce == "" {
			if n := resp.Header.Get("DPoP-Nonce"); n != "" {
				return nil, dpopNonceChallenge{nonce: n}
			}
		}
		provider.Invalidate(sourceID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusErrInfo{
			StatusError: &herrors.StatusError{
				Status:      resp.StatusCode,
				BodySnippet: truncateBody(body, 512),
				Retryable:   herrors.IsRetryableStatus(resp.StatusCode),
			},
			RetryAfter:     resp.Header.Get("Retry-After"),
			RateLimitReset: resp.Header.Get("X-RateLimit-Reset"),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

func buildRequest(ctx context.Context, src config.SourceConfig) (*http.Request, error) {
	method := src.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if method == http.MethodPost && src.Body != "" {
		bodyReader = bytes.NewReader([]byte(src.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, src.URL, bodyReader)
	if err != nil {
		return nil, &herrors.TransportError{Cause: fmt.Errorf("build request: %w", err)}
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusClassFor labels a retried attempt's failure for the retry_total
// metric: "4xx"/"5xx" for a status error, otherwise "timeout" when
// isTimeoutLike matches (timeouts, refused connections, EOF, resets) and
// "network" for anything else.
func statusClassFor(err error) string {
	if se, ok := err.(*statusErrInfo); ok {
		switch {
		case se.Status >= 500:
			return "5xx"
		case se.Status >= 400:
			return "4xx"
		}
	}
	if isTimeoutLike(err) {
		return "timeout"
	}
	return "network"
}

func asRetryableStatus(err error) (*herrors.StatusError, bool) {
	if se, ok := err.(*statusErrInfo); ok {
		return se.StatusError, se.Retryable
	}
	if herrors.IsTransportError(err) {
		return nil, true
	}
	return nil, false
}

func truncateBody(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

func circuitConfig(c *config.CircuitBreakerConfig) circuit.Config {
	if c == nil {
		return circuit.Config{}
	}
	return circuit.Config{
		Enabled:          c.Enabled,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		HalfOpenTimeout:  time.Duration(c.HalfOpenTimeoutSecs) * time.Second,
	}
}

func rateLimitConfig(c *config.RateLimitConfig) ratelimit.Config {
	if c == nil {
		return ratelimit.Config{}
	}
	return ratelimit.Config{MaxRequestsPerSecond: c.MaxRequestsPerSecond, BurstSize: c.BurstSize}
}

// retryPolicy is retry config normalized to time.Duration, independent of
// config.RetryConfig's float-seconds wire format.
type retryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func retryConfig(c *config.RetryConfig) retryPolicy {
	if c == nil {
		return retryPolicy{MaxAttempts: 1}
	}
	p := retryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffSecs * float64(time.Second)),
		MaxBackoff:     time.Duration(c.MaxBackoffSecs * float64(time.Second)),
		Multiplier:     c.Multiplier,
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// backoffDelay computes initial*multiplier^attempt capped at MaxBackoff,
// matching retry.rs's backoff_duration.
func backoffDelay(p retryPolicy, attempt int) time.Duration {
	secs := p.InitialBackoff.Seconds() * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxBackoff > 0 && secs > p.MaxBackoff.Seconds() {
		secs = p.MaxBackoff.Seconds()
	}
	return time.Duration(secs * float64(time.Second))
}
