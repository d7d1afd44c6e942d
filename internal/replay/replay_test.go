package replay

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/helvault/internal/config"
)

func TestSanitizeSourceID_ReplacesUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "source_with_spaces", SanitizeSourceID("source with spaces"))
	assert.Equal(t, "my-source", SanitizeSourceID("my-source"))
}

func TestRecordingBody_RoundTripsBase64(t *testing.T) {
	body := []byte("hello world")
	rec := Recording{URL: "http://x/", Status: 200, BodyBase64: "aGVsbG8gd29ybGQ="}
	got, err := rec.Body()
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRecorderSaveAndLoadRecordings_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	require.NoError(t, rec.Save("src1", "http://api/", 200, h, []byte(`[{"id":"1"}]`)))
	require.NoError(t, rec.Save("src1", "http://api/page2", 200, http.Header{}, []byte(`[]`)))

	loaded, err := LoadRecordings(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	recs := loaded["src1"]
	require.Len(t, recs, 2)
	assert.Equal(t, "http://api/", recs[0].URL)
	assert.Equal(t, 200, recs[0].Status)
	body0, err := recs[0].Body()
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":"1"}]`), body0)
	body1, err := recs[1].Body()
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), body1)
}

func TestServer_ServesRecordingsInOrderThenReturns404(t *testing.T) {
	recordings := map[string][]Recording{
		"src1": {
			{URL: "http://a/", Status: 200, Headers: map[string]string{"X-Test": "1"}, BodyBase64: "MQ=="},
			{URL: "http://a/2", Status: 200, BodyBase64: "Mg=="},
		},
	}
	srv := NewServer(recordings)
	router := srv.Router()

	req1 := httptest.NewRequest(http.MethodGet, "/replay/src1", nil)
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, "1", rec1.Body.String())
	assert.Equal(t, "1", rec1.Header().Get("X-Test"))

	req2 := httptest.NewRequest(http.MethodGet, "/replay/src1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "2", rec2.Body.String())

	req3 := httptest.NewRequest(http.MethodGet, "/replay/src1", nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	assert.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestServer_UnknownSourceReturns404(t *testing.T) {
	srv := NewServer(map[string][]Recording{})
	req := httptest.NewRequest(http.MethodGet, "/replay/missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRewriteConfigForReplay_UsesSanitizedSourceID(t *testing.T) {
	cfg := &config.Config{
		Sources: map[string]config.SourceConfig{
			"my-source":          {URL: "https://api.example.com/logs"},
			"source with spaces": {URL: "https://other.example.com/events"},
		},
	}
	rewritten := RewriteConfigForReplay(cfg, "http://127.0.0.1:9999")
	assert.Equal(t, "http://127.0.0.1:9999/replay/my-source", rewritten.Sources["my-source"].URL)
	assert.Equal(t, "http://127.0.0.1:9999/replay/source_with_spaces", rewritten.Sources["source with spaces"].URL)
}

func TestRecorderSave_CreatesSanitizedSourceDir(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, rec.Save("weird/id", "http://x/", 200, http.Header{}, []byte("ok")))

	_, err = filepath.Glob(filepath.Join(dir, "weird_id", "*.json"))
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "weird_id", "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
