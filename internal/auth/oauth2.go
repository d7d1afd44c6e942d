package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenCacheEntry is the (access_token, expires_at) pair from SPEC_FULL.md
// §3 TokenCacheEntry.
type tokenCacheEntry struct {
	accessToken string
	expiresAt   time.Time
}

// refreshBuffer is the window before expiry at which a cached token is
// considered stale and refreshed early (§4.E "refresh when now + 60s >=
// expires_at").
const refreshBuffer = 60 * time.Second

// tokenCache is a small sync.Mutex-guarded map shared by the OAuth2 and
// GoogleServiceAccount providers; this mirrors §9's guidance that caches
// never perform I/O while holding their lock.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenCacheEntry
}

func newTokenCache() *tokenCache { return &tokenCache{entries: make(map[string]tokenCacheEntry)} }

func (c *tokenCache) get(sourceID string) (tokenCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sourceID]
	return e, ok
}

func (c *tokenCache) set(sourceID string, e tokenCacheEntry) {
	c.mu.Lock()
	c.entries[sourceID] = e
	c.mu.Unlock()
}

func (c *tokenCache) invalidate(sourceID string) {
	c.mu.Lock()
	delete(c.entries, sourceID)
	c.mu.Unlock()
}

// OAuth2Refresh implements the refresh_token grant from §4.E.
type OAuth2Refresh struct {
	HTTPClient      *http.Client
	TokenURL        string
	ClientIDEnv     string
	ClientSecretEnv string
	RefreshTokenEnv string

	cache *tokenCache
	once  sync.Once
}

func (o *OAuth2Refresh) ensureCache() {
	o.once.Do(func() { o.cache = newTokenCache() })
}

func (o *OAuth2Refresh) Resolve(ctx context.Context, sourceID string) (Resolved, error) {
	o.ensureCache()
	if e, ok := o.cache.get(sourceID); ok && time.Now().Add(refreshBuffer).Before(e.expiresAt) {
		return Resolved{BearerToken: e.accessToken}, nil
	}
	clientID, err := ResolveSecret("oauth2_client_id", sourceID, o.ClientIDEnv, "")
	if err != nil {
		return Resolved{}, err
	}
	clientSecret, err := ResolveSecret("oauth2_client_secret", sourceID, o.ClientSecretEnv, "")
	if err != nil {
		return Resolved{}, err
	}
	refreshToken, err := ResolveSecret("oauth2_refresh_token", sourceID, o.RefreshTokenEnv, "")
	if err != nil {
		return Resolved{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)

	tok, expiresIn, err := postTokenRequest(ctx, o.client(), o.TokenURL, form)
	if err != nil {
		return Resolved{}, err
	}
	entry := tokenCacheEntry{accessToken: tok, expiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second)}
	o.cache.set(sourceID, entry)
	return Resolved{BearerToken: tok}, nil
}

func (o *OAuth2Refresh) Invalidate(sourceID string) {
	o.ensureCache()
	o.cache.invalidate(sourceID)
}

func (o *OAuth2Refresh) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

// tokenResponse is the standard OAuth2 token endpoint JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// postTokenRequest POSTs a form-urlencoded grant and parses the standard
// token response. Any non-2xx response, 4xx or 5xx, is returned as an error
// without a retry; the HTTP engine treats a failed token acquisition as a
// non-retryable AuthError, so a 5xx from the token endpoint is not retried.
func postTokenRequest(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("oauth2: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("oauth2: token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("oauth2: token endpoint returned %d: %s", resp.StatusCode, truncate(body, 512))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("oauth2: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("oauth2: token response missing access_token")
	}
	if tr.ExpiresIn == 0 {
		tr.ExpiresIn = 3600
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}
