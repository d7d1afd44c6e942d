// Package audit emits structured log/slog records for credential access and
// config changes, gated by global.audit.* (SPEC_FULL.md § Ambient Stack,
// Audit Log). It never logs secret values, only the source of a credential
// read (env var name or file path) and which fields of a config changed.
package audit

import (
	"log/slog"
	"sync/atomic"
)

// enabled mirrors global.audit.enabled; logCreds and logConfig mirror the
// sub-flags. Stored as atomics so Configure can be called from the config
// reload path without synchronizing with every call site.
var (
	enabled    atomic.Bool
	logCreds   atomic.Bool
	logConfig  atomic.Bool
	redact     atomic.Bool
)

// Configure updates the audit logger's gates. Call once at startup and again
// on every successful config reload.
func Configure(auditEnabled, logCredentialAccess, logConfigChanges, redactSecrets bool) {
	enabled.Store(auditEnabled)
	logCreds.Store(logCredentialAccess)
	logConfig.Store(logConfigChanges)
	redact.Store(redactSecrets)
}

// CredentialAccess logs that a credential was read for provider/sourceID
// from the given origin descriptor (e.g. "env:TOKEN" or "file:/etc/x").
// The descriptor never includes the secret value itself.
func CredentialAccess(provider, sourceID, origin string) {
	if !enabled.Load() || !logCreds.Load() {
		return
	}
	slog.Info("audit: credential access", "provider", provider, "source_id", sourceID, "origin", origin)
}

// ConfigChange logs that a config field changed on reload. value is omitted
// when redact is set, matching global.audit.redact_secrets.
func ConfigChange(field, value string) {
	if !enabled.Load() || !logConfig.Load() {
		return
	}
	if redact.Load() {
		slog.Info("audit: config change", "field", field)
		return
	}
	slog.Info("audit: config change", "field", field, "value", value)
}
