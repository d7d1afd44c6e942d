package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoad_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    url: "https://example.com/events"
    pagination: { strategy: link_header }
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	src := cfg.Sources["src-1"]
	assert.Equal(t, "get", src.Method)
	assert.Equal(t, 60, src.Schedule.IntervalSecs)
	assert.Equal(t, 100, src.Pagination.MaxPages)
	assert.Equal(t, "next", src.Pagination.Rel)
	assert.Equal(t, "id", src.Dedupe.IDPath)
	assert.Equal(t, "fail", src.OnParseError)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, 8080, cfg.Global.Health.Port)
}

func TestLoad_RejectsConfigWithNoSources(t *testing.T) {
	path := writeConfig(t, "global:\n  log_level: info\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources")
}

func TestLoad_RejectsSourceMissingURL(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    pagination: { strategy: cursor }
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestLoad_RejectsUnknownPaginationStrategy(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    url: "https://example.com/events"
    pagination: { strategy: nonsense }
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pagination.strategy")
}

func TestLoad_RejectsUnknownYAMLField(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    url: "https://example.com/events"
    totally_unknown_field: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ExpandsEnvVarsBeforeParsing(t *testing.T) {
	t.Setenv("HELVAULT_TEST_URL", "https://env.example.com/events")
	path := writeConfig(t, `
sources:
  src-1:
    url: "${HELVAULT_TEST_URL}"
    pagination: { strategy: link_header }
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/events", cfg.Sources["src-1"].URL)
}

func TestManager_ReloadSwapsInNewConfigOnSuccess(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    url: "https://example.com/events"
    pagination: { strategy: link_header }
`)
	mgr, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/events", mgr.Current().Sources["src-1"].URL)

	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  src-1:
    url: "https://reloaded.example.com/events"
    pagination: { strategy: link_header }
`), 0o644))
	require.NoError(t, mgr.Reload())
	assert.Equal(t, "https://reloaded.example.com/events", mgr.Current().Sources["src-1"].URL)
}

func TestManager_ReloadKeepsPreviousConfigOnInvalidFile(t *testing.T) {
	path := writeConfig(t, `
sources:
  src-1:
    url: "https://example.com/events"
    pagination: { strategy: link_header }
`)
	mgr, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("global:\n  log_level: info\n"), 0o644))
	require.Error(t, mgr.Reload())
	assert.Equal(t, "https://example.com/events", mgr.Current().Sources["src-1"].URL)
}
