// Package auth implements the §4.E auth provider variants: static header
// schemes, OAuth2 refresh, Google service-account JWT-bearer, DPoP, and
// login-cookie.
package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/ocx/helvault/internal/audit"
)

// ResolveSecret reads a credential from an env var or a file path, per
// SPEC_FULL.md §4.E ("each secret can be sourced from an environment
// variable or a file path"). Exactly one of envName/filePath should be
// non-empty; env wins if both are. The read itself is audited but the
// value never is.
func ResolveSecret(provider, sourceID, envName, filePath string) (string, error) {
	if envName != "" {
		v := os.Getenv(envName)
		audit.CredentialAccess(provider, sourceID, "env:"+envName)
		if v == "" {
			return "", fmt.Errorf("auth %s: env var %s is empty", provider, envName)
		}
		return v, nil
	}
	if filePath != "" {
		b, err := os.ReadFile(filePath)
		audit.CredentialAccess(provider, sourceID, "file:"+filePath)
		if err != nil {
			return "", fmt.Errorf("auth %s: read secret file %s: %w", provider, filePath, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", fmt.Errorf("auth %s: neither env var nor file configured for source %s", provider, sourceID)
}
