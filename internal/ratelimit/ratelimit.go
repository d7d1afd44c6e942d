// Package ratelimit wraps golang.org/x/time/rate with a per-source limiter
// registry and the Retry-After / X-RateLimit-Reset override from
// SPEC_FULL.md §4.F, which x/time/rate doesn't natively support.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bundles a source's token-bucket tunables.
type Config struct {
	MaxRequestsPerSecond float64
	BurstSize            int
}

// Registry owns one rate.Limiter per source id.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry returns an empty per-source limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*rate.Limiter)}
}

func (r *Registry) get(sourceID string, cfg Config) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.BurstSize)
		r.limiters[sourceID] = l
		return l
	}
	l.SetLimit(rate.Limit(cfg.MaxRequestsPerSecond))
	l.SetBurst(cfg.BurstSize)
	return l
}

// Wait blocks cooperatively until a token is available for sourceID, or
// returns ctx.Err() if the context is cancelled first. A zero-value
// MaxRequestsPerSecond disables limiting (always allows immediately).
func (r *Registry) Wait(ctx context.Context, sourceID string, cfg Config) error {
	if cfg.MaxRequestsPerSecond <= 0 {
		return nil
	}
	return r.get(sourceID, cfg).Wait(ctx)
}

// RetryAfterDelay computes the backoff override from a Retry-After header
// value (delta-seconds or HTTP-date) or, failing that, an
// X-RateLimit-Reset header (Unix seconds), capped by maxBackoff when it is
// positive. Returns (0, false) if neither header yields a usable delay.
func RetryAfterDelay(retryAfter, rateLimitReset string, maxBackoff time.Duration) (time.Duration, bool) {
	if retryAfter != "" {
		if d, ok := parseRetryAfter(retryAfter); ok {
			return capDelay(d, maxBackoff), true
		}
	}
	if rateLimitReset != "" {
		if d, ok := parseUnixReset(rateLimitReset); ok {
			return capDelay(d, maxBackoff), true
		}
	}
	return 0, false
}

func capDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if secs, ok := parseNonNegativeInt(v); ok {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		return time.Until(t), true
	}
	if t, err := time.Parse(http_TimeFormat, v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

// http_TimeFormat matches net/http.TimeFormat without importing net/http
// just for a constant.
const http_TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func parseUnixReset(v string) (time.Duration, bool) {
	secs, ok := parseNonNegativeInt(v)
	if !ok {
		return 0, false
	}
	target := time.Unix(int64(secs), 0)
	return time.Until(target), true
}

func parseNonNegativeInt(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
