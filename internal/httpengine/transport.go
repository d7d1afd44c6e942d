// Package httpengine builds per-source HTTP clients and executes requests
// with retry, backoff, and auth composition, grounded on
// original_source/src/client.rs and retry.rs.
package httpengine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/config"
)

// defaultLegacyTimeoutSecs is used when ResilienceConfig is entirely absent.
const defaultLegacyTimeoutSecs = 30

// effectiveTimeouts resolves the split connect/request/read/idle timeouts
// from either the Timeouts block or the legacy single timeout_secs value,
// mirroring client.rs's effective_timeouts.
func effectiveTimeouts(r config.ResilienceConfig) (connect, request time.Duration, read, idle *time.Duration) {
	legacy := r.TimeoutSecs
	if legacy == 0 {
		legacy = defaultLegacyTimeoutSecs
	}
	connectSecs := legacy
	if legacy > 10 {
		connectSecs = 10
	}
	requestSecs := legacy
	if r.Timeouts != nil {
		if r.Timeouts.ConnectSecs > 0 {
			connectSecs = r.Timeouts.ConnectSecs
		}
		if r.Timeouts.RequestSecs > 0 {
			requestSecs = r.Timeouts.RequestSecs
		}
		if r.Timeouts.ReadSecs > 0 {
			d := time.Duration(r.Timeouts.ReadSecs) * time.Second
			read = &d
		}
		if r.Timeouts.IdleSecs > 0 {
			d := time.Duration(r.Timeouts.IdleSecs) * time.Second
			idle = &d
		}
	}
	return time.Duration(connectSecs) * time.Second, time.Duration(requestSecs) * time.Second, read, idle
}

// buildTLSConfig applies custom CA / mTLS / minimum version from TLSConfig,
// resolving CA and client cert/key material via auth.ResolveSecret so file-
// or env-sourced PEMs share the same audit path as credential secrets.
func buildTLSConfig(sourceID string, t *config.TLSConfig) (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	cfg := &tls.Config{}

	switch t.MinVersion {
	case "", "1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("httpengine: tls min_version must be \"1.2\" or \"1.3\", got %q", t.MinVersion)
	}

	if t.CABundlePath != "" {
		pemBytes, err := auth.ResolveSecret("tls_ca", sourceID, "", t.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("httpengine: load CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(pemBytes)) {
			return nil, fmt.Errorf("httpengine: no certificates parsed from CA bundle")
		}
		if t.CAOnly {
			cfg.RootCAs = pool
		} else {
			sys, err := x509.SystemCertPool()
			if err != nil || sys == nil {
				sys = x509.NewCertPool()
			}
			sys.AppendCertsFromPEM([]byte(pemBytes))
			cfg.RootCAs = sys
		}
	}

	if t.ClientCertPath != "" && t.ClientKeyPath != "" {
		certPEM, err := auth.ResolveSecret("tls_client_cert", sourceID, "", t.ClientCertPath)
		if err != nil {
			return nil, fmt.Errorf("httpengine: load client cert: %w", err)
		}
		keyPEM, err := auth.ResolveSecret("tls_client_key", sourceID, "", t.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("httpengine: load client key: %w", err)
		}
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("httpengine: parse client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// NewClient builds an *http.Client for one source with timeouts and TLS
// taken from its ResilienceConfig. sourceID is used only for secret-resolve
// auditing of TLS material.
func NewClient(sourceID string, r config.ResilienceConfig) (*http.Client, error) {
	connect, request, read, idle := effectiveTimeouts(r)

	tlsCfg, err := buildTLSConfig(sourceID, r.TLS)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: connect}
	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		TLSClientConfig: tlsCfg,
	}
	if idle != nil {
		transport.IdleConnTimeout = *idle
	}

	client := &http.Client{Transport: transport, Timeout: request}
	if read != nil {
		// net/http has no standalone read-deadline knob at the client level;
		// the overall request timeout already bounds worst-case read time,
		// so a separate read timeout only matters when it's tighter than
		// the request timeout. Respect the tighter of the two.
		if client.Timeout == 0 || *read < client.Timeout {
			client.Timeout = *read
		}
	}
	return client, nil
}

// isTimeoutLike reports whether an error looks like a transport-level
// timeout or connection failure worth retrying, as opposed to a context
// cancellation the caller deliberately triggered.
func isTimeoutLike(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF") || strings.Contains(msg, "reset by peer")
}
