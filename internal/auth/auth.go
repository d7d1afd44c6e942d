package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
)

// Resolved is the set of request-level artifacts an auth provider can
// contribute, merged by the HTTP engine when building a request
// (SPEC_FULL.md §4.F "resolved auth outputs").
type Resolved struct {
	// Authorization scheme + token, e.g. ("Bearer", "abc") or ("Basic", "base64").
	// Composed into the Authorization header by the caller so DPoP can
	// override the scheme without the provider knowing about DPoP.
	BearerToken string // raw access token, if any (used for DPoP ath + Authorization: Bearer)
	BasicHeader string // pre-built "Basic <base64>" value, used verbatim
	APIKeyHeader string // header name for an API key
	APIKeyValue  string
	ExtraHeaders map[string]string
	Cookie       string
	ExtraQuery   map[string]string
}

// Provider resolves auth artifacts for one request. Implementations may
// cache tokens internally; Resolve is called once per request attempt.
type Provider interface {
	Resolve(ctx context.Context, sourceID string) (Resolved, error)
	// Invalidate drops any cached token, forcing a refresh on next Resolve.
	// Called on a 401 from a resource call for OAuth2/GoogleServiceAccount
	// providers; a no-op for static schemes.
	Invalidate(sourceID string)
}

// None is the no-auth provider.
type None struct{}

func (None) Resolve(context.Context, string) (Resolved, error) { return Resolved{}, nil }
func (None) Invalidate(string)                                  {}

// Bearer attaches a static bearer token resolved once per request from env
// or file (secrets aren't assumed stable across process restarts, so we
// re-resolve each call; this is cheap relative to the network round trip).
type Bearer struct {
	TokenEnv  string
	TokenFile string
}

func (b Bearer) Resolve(_ context.Context, sourceID string) (Resolved, error) {
	tok, err := ResolveSecret("bearer", sourceID, b.TokenEnv, b.TokenFile)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{BearerToken: tok}, nil
}
func (Bearer) Invalidate(string) {}

// ApiKey attaches a static key under a configured header name.
type ApiKey struct {
	Header  string
	KeyEnv  string
	KeyFile string
}

func (a ApiKey) Resolve(_ context.Context, sourceID string) (Resolved, error) {
	key, err := ResolveSecret("api_key", sourceID, a.KeyEnv, a.KeyFile)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{APIKeyHeader: a.Header, APIKeyValue: key}, nil
}
func (ApiKey) Invalidate(string) {}

// Basic attaches an HTTP Basic auth header.
type Basic struct {
	UserEnv, UserFile         string
	PasswordEnv, PasswordFile string
}

func (b Basic) Resolve(_ context.Context, sourceID string) (Resolved, error) {
	user, err := ResolveSecret("basic_user", sourceID, b.UserEnv, b.UserFile)
	if err != nil {
		return Resolved{}, err
	}
	pass, err := ResolveSecret("basic_password", sourceID, b.PasswordEnv, b.PasswordFile)
	if err != nil {
		return Resolved{}, err
	}
	raw := user + ":" + pass
	return Resolved{BasicHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))}, nil
}
func (Basic) Invalidate(string) {}

// ApplyAuthorizationHeader composes the Authorization header per §4.F: if a
// bearer token is present and dpopProof is non-empty, scheme is "DPoP" and
// the proof goes in the DPoP header; otherwise scheme is "Bearer". Basic and
// ApiKey headers are applied independently. bearerOverride, when non-empty,
// fully replaces whatever the resolved auth produced (Open Question
// decision in DESIGN.md: no composition with ApiKey/Basic).
func ApplyAuthorizationHeader(req *http.Request, resolved Resolved, dpopProof, bearerOverride string) {
	bearer := resolved.BearerToken
	if bearerOverride != "" {
		bearer = bearerOverride
		req.Header.Set("Authorization", authScheme(dpopProof)+" "+bearer)
		if dpopProof != "" {
			req.Header.Set("DPoP", dpopProof)
		}
		return
	}
	if bearer != "" {
		req.Header.Set("Authorization", authScheme(dpopProof)+" "+bearer)
		if dpopProof != "" {
			req.Header.Set("DPoP", dpopProof)
		}
	}
	if resolved.BasicHeader != "" {
		req.Header.Set("Authorization", resolved.BasicHeader)
	}
	if resolved.APIKeyHeader != "" {
		req.Header.Set(resolved.APIKeyHeader, resolved.APIKeyValue)
	}
	if resolved.Cookie != "" {
		req.Header.Set("Cookie", resolved.Cookie)
	}
	for k, v := range resolved.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if len(resolved.ExtraQuery) > 0 {
		q := req.URL.Query()
		for k, v := range resolved.ExtraQuery {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
}

func authScheme(dpopProof string) string {
	if dpopProof != "" {
		return "DPoP"
	}
	return "Bearer"
}

// errUnsupported is returned by New for an unrecognized auth type.
func errUnsupported(t string) error { return fmt.Errorf("auth: unsupported type %q", t) }
