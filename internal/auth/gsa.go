package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

// GoogleServiceAccount implements the JWT-bearer grant from §4.E: a
// self-signed RS256 assertion exchanged for an access token, grounded on
// original_source/src/oauth2.rs's claim shape
// {iss, scope, aud, iat, exp=iat+3600, sub?}.
type GoogleServiceAccount struct {
	HTTPClient     *http.Client
	TokenURL       string
	ClientEmailEnv string
	PrivateKeyEnv  string
	PrivateKeyFile string
	Scopes         []string
	Subject        string

	cache *tokenCache
	once  sync.Once
}

func (g *GoogleServiceAccount) ensureCache() {
	g.once.Do(func() { g.cache = newTokenCache() })
}

type gsaClaims struct {
	Iss   string `json:"iss"`
	Scope string `json:"scope"`
	Aud   string `json:"aud"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
	Sub   string `json:"sub,omitempty"`
}

func (g *GoogleServiceAccount) Resolve(ctx context.Context, sourceID string) (Resolved, error) {
	g.ensureCache()
	if e, ok := g.cache.get(sourceID); ok && time.Now().Add(refreshBuffer).Before(e.expiresAt) {
		return Resolved{BearerToken: e.accessToken}, nil
	}

	clientEmail, err := ResolveSecret("gsa_client_email", sourceID, g.ClientEmailEnv, "")
	if err != nil {
		return Resolved{}, err
	}
	pemKey, err := ResolveSecret("gsa_private_key", sourceID, g.PrivateKeyEnv, g.PrivateKeyFile)
	if err != nil {
		return Resolved{}, err
	}
	key, err := parseRSAPrivateKeyPEM(pemKey)
	if err != nil {
		return Resolved{}, fmt.Errorf("gsa: parse private key: %w", err)
	}

	now := time.Now()
	claims := gsaClaims{
		Iss:   clientEmail,
		Scope: strings.Join(g.Scopes, " "),
		Aud:   g.TokenURL,
		Iat:   now.Unix(),
		Exp:   now.Add(time.Hour).Unix(),
		Sub:   g.Subject,
	}
	assertion, err := signRS256JWT(key, claims)
	if err != nil {
		return Resolved{}, fmt.Errorf("gsa: sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	tok, expiresIn, err := postTokenRequest(ctx, client, g.TokenURL, form)
	if err != nil {
		return Resolved{}, err
	}
	g.cache.set(sourceID, tokenCacheEntry{accessToken: tok, expiresAt: now.Add(time.Duration(expiresIn) * time.Second)})
	return Resolved{BearerToken: tok}, nil
}

func (g *GoogleServiceAccount) Invalidate(sourceID string) {
	g.ensureCache()
	g.cache.invalidate(sourceID)
}

// parseRSAPrivateKeyPEM accepts both PKCS#1 and PKCS#8-wrapped RSA keys, the
// two formats Google service-account JSON key files commonly carry.
func parseRSAPrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyIface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyIface.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// signRS256JWT builds a compact RS256 JWS over claims using go-jose,
// grounded on §4.E's DPoP/JWT-bearer signing requirement.
func signRS256JWT(key *rsa.PrivateKey, claims any) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	if err != nil {
		return "", err
	}
	builder := josejwt.Signed(signer).Claims(claims)
	return builder.Serialize()
}
