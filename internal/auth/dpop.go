package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// KeyCache lazily generates and caches one RSA-2048 key per source,
// reused for both token and resource requests per SPEC_FULL.md §4.E
// ("the same key pair serves token and resource calls").
type KeyCache struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
}

// NewKeyCache returns an empty DPoP key cache.
func NewKeyCache() *KeyCache { return &KeyCache{keys: make(map[string]*rsa.PrivateKey)} }

// KeyFor returns the cached key for sourceID, generating one on first use.
func (c *KeyCache) KeyFor(sourceID string) (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[sourceID]; ok {
		return k, nil
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("dpop: generate key: %w", err)
	}
	c.keys[sourceID] = k
	return k, nil
}

type dpopClaims struct {
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	JTI   string `json:"jti"`
	Nonce string `json:"nonce,omitempty"`
	ATH   string `json:"ath,omitempty"`
}

// jwk mirrors the dynamic public-key header {kty,n,e,alg,use} §4.E requires
// embedded directly in the DPoP JWS header rather than referenced by kid.
type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// BuildProof constructs an RS256-signed DPoP JWT for one HTTP call. htu is
// the request URL with query and fragment stripped. accessToken, when
// non-empty, is hashed into the `ath` claim binding the proof to a specific
// bearer token (resource calls); omitted for token-endpoint calls. nonce is
// the server-supplied DPoP-Nonce from a prior 401 challenge, if any.
func BuildProof(key *rsa.PrivateKey, method, rawURL, accessToken, nonce string) (string, error) {
	htu, err := stripQueryAndFragment(rawURL)
	if err != nil {
		return "", err
	}
	claims := dpopClaims{
		HTM:   method,
		HTU:   htu,
		IAT:   time.Now().Unix(),
		JTI:   uuid.NewString(),
		Nonce: nonce,
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims.ATH = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	pub := key.PublicKey
	header := jwk{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(bigEndianUint(pub.E)),
		Alg: "RS256",
		Use: "sig",
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{
			"typ": "dpop+jwt",
			"jwk": header,
		},
	})
	if err != nil {
		return "", fmt.Errorf("dpop: new signer: %w", err)
	}
	return josejwt.Signed(signer).Claims(claims).Serialize()
}

// stripQueryAndFragment returns rawURL with its query and fragment removed,
// per §4.E's htu definition.
func stripQueryAndFragment(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("dpop: parse url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// bigEndianUint encodes a small positive int (the RSA public exponent,
// typically 65537) as minimal big-endian bytes for JWK's "e" field.
func bigEndianUint(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return b
}
