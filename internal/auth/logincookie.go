package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// LoginCookie implements the login-for-cookie scheme from §4.E and
// original_source/src/login_cookie.rs: POST a credential, join every
// Set-Cookie's name=value pair with "; ", and attach that as the Cookie
// header on subsequent calls.
type LoginCookie struct {
	HTTPClient    *http.Client
	LoginURL      string
	CredentialEnv string
	BodyKey       string

	mu      sync.Mutex
	cookies map[string]string
}

func (l *LoginCookie) ensure() {
	l.mu.Lock()
	if l.cookies == nil {
		l.cookies = make(map[string]string)
	}
	l.mu.Unlock()
}

func (l *LoginCookie) Resolve(ctx context.Context, sourceID string) (Resolved, error) {
	l.ensure()
	l.mu.Lock()
	cookie, ok := l.cookies[sourceID]
	l.mu.Unlock()
	if ok {
		return Resolved{Cookie: cookie}, nil
	}

	cred, err := ResolveSecret("login_cookie", sourceID, l.CredentialEnv, "")
	if err != nil {
		return Resolved{}, err
	}

	bodyKey := l.BodyKey
	if bodyKey == "" {
		bodyKey = "password"
	}
	payload, err := json.Marshal(map[string]string{bodyKey: cred})
	if err != nil {
		return Resolved{}, fmt.Errorf("login_cookie: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.LoginURL, strings.NewReader(string(payload)))
	if err != nil {
		return Resolved{}, fmt.Errorf("login_cookie: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("login_cookie: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Resolved{}, fmt.Errorf("login_cookie: login returned status %d", resp.StatusCode)
	}

	var parts []string
	for _, c := range resp.Cookies() {
		parts = append(parts, c.Name+"="+c.Value)
	}
	joined := strings.Join(parts, "; ")

	l.mu.Lock()
	l.cookies[sourceID] = joined
	l.mu.Unlock()

	return Resolved{Cookie: joined}, nil
}

func (l *LoginCookie) Invalidate(sourceID string) {
	l.ensure()
	l.mu.Lock()
	delete(l.cookies, sourceID)
	l.mu.Unlock()
}
