package auth

import (
	"context"
	"net/http"

	"github.com/ocx/helvault/internal/config"
)

// HookAuthResolver lets the hook runtime (internal/hooks) supply auth
// artifacts via a per-call getAuth(ctx) script, satisfying the "Hook" auth
// variant from §4.E without internal/auth importing internal/hooks; the
// caller that owns the hook runtime supplies the function.
type HookAuthResolver func(sourceID string) (Resolved, error)

type hookProvider struct{ resolve HookAuthResolver }

func (h hookProvider) Resolve(_ context.Context, sourceID string) (Resolved, error) {
	return h.resolve(sourceID)
}
func (hookProvider) Invalidate(string) {}

// New constructs the Provider for a source's auth config. httpClient is
// used by providers that make their own HTTP calls (OAuth2, GSA,
// LoginCookie); pass nil to use http.DefaultClient. hookResolver is
// required only when cfg.Type == "hook".
func New(cfg config.AuthConfig, httpClient *http.Client, hookResolver HookAuthResolver) (Provider, error) {
	switch cfg.Type {
	case "", "none":
		return None{}, nil
	case "bearer":
		return Bearer{TokenEnv: cfg.TokenEnv, TokenFile: cfg.TokenFile}, nil
	case "api_key":
		return ApiKey{Header: cfg.Header, KeyEnv: cfg.KeyEnv, KeyFile: cfg.KeyFile}, nil
	case "basic":
		return Basic{
			UserEnv: cfg.UserEnv, UserFile: cfg.UserFile,
			PasswordEnv: cfg.PasswordEnv, PasswordFile: cfg.PasswordFile,
		}, nil
	case "oauth2":
		return &OAuth2Refresh{
			HTTPClient:      httpClient,
			TokenURL:        cfg.TokenURL,
			ClientIDEnv:     cfg.ClientIDEnv,
			ClientSecretEnv: cfg.ClientSecretEnv,
			RefreshTokenEnv: cfg.RefreshTokenEnv,
		}, nil
	case "google_service_account":
		return &GoogleServiceAccount{
			HTTPClient:     httpClient,
			TokenURL:       cfg.TokenURL,
			ClientEmailEnv: cfg.ClientEmailEnv,
			PrivateKeyEnv:  cfg.PrivateKeyEnv,
			PrivateKeyFile: cfg.PrivateKeyFile,
			Scopes:         cfg.Scopes,
			Subject:        cfg.Subject,
		}, nil
	case "login_cookie":
		return &LoginCookie{
			HTTPClient:    httpClient,
			LoginURL:      cfg.LoginURL,
			CredentialEnv: cfg.CredentialEnv,
			BodyKey:       cfg.BodyKey,
		}, nil
	case "dpop":
		// DPoP has no distinct Provider: a source whose type is "dpop"
		// resolves no credentials. The HTTP engine attaches a proof
		// whenever cfg.DPoPEnabled is set, alongside whichever token
		// provider (oauth2, google_service_account, bearer) the source's
		// type selects.
		return None{}, nil
	case "hook":
		if hookResolver == nil {
			return nil, errUnsupported("hook (no resolver configured)")
		}
		return hookProvider{resolve: hookResolver}, nil
	default:
		return nil, errUnsupported(cfg.Type)
	}
}
