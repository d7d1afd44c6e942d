package hooks

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/helvault/internal/config"
)

func testConfig() config.HooksConfig {
	return config.HooksConfig{Enabled: true, Path: "./hooks", TimeoutSecs: 5}
}

func TestBuildRequest_ReturnsObject(t *testing.T) {
	script := `
		function buildRequest(ctx) {
			return { url: "https://example.com", query: { limit: "10" }, headers: { "X-Foo": "bar" } };
		}
	`
	r := New(script, testConfig())
	result, err := r.BuildRequest(Context{SourceID: "test"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "https://example.com", result.URL)
	assert.Equal(t, "10", result.Query["limit"])
	assert.Equal(t, "bar", result.Headers["X-Foo"])
}

func TestBuildRequest_MissingFunctionReturnsNil(t *testing.T) {
	script := `function other() { return 1; }`
	r := New(script, testConfig())
	result, err := r.BuildRequest(Context{SourceID: "test"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestParseResponse_ReturnsEvents(t *testing.T) {
	script := `
		function parseResponse(ctx, response) {
			return [
				{ ts: "2024-01-01T00:00:00Z", source: ctx.sourceId, event: { id: 1 }, meta: {} }
			];
		}
	`
	r := New(script, testConfig())
	events, called, err := r.ParseResponse(Context{SourceID: "test"}, Response{Status: 200, Body: []byte(`{"items":[]}`)})
	require.NoError(t, err)
	assert.True(t, called)
	require.Len(t, events, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", events[0].TS)
	assert.Equal(t, "test", events[0].Source)
	assert.JSONEq(t, `{"id":1}`, string(events[0].Event))
}

func TestParseResponse_MissingFunctionIsNotCalled(t *testing.T) {
	script := `function other() {}`
	r := New(script, testConfig())
	events, called, err := r.ParseResponse(Context{SourceID: "test"}, Response{Status: 200})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Nil(t, events)
}

func TestGetAuth_ReturnsHeadersFromEnv(t *testing.T) {
	script := `
		function getAuth(ctx) {
			return { headers: { "Authorization": "Bearer " + (ctx.env.TOKEN || "") } };
		}
	`
	r := New(script, testConfig())
	result, err := r.GetAuth(Context{SourceID: "test", Env: map[string]string{"TOKEN": "secret"}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "Bearer secret", result.Headers["Authorization"])
}

func TestGetAuth_EmptyObjectReturnsNil(t *testing.T) {
	script := `function getAuth(ctx) { return {}; }`
	r := New(script, testConfig())
	result, err := r.GetAuth(Context{SourceID: "test"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetNextPage_ReturnsNull(t *testing.T) {
	script := `function getNextPage(ctx, request, response) { return null; }`
	r := New(script, testConfig())
	result, err := r.GetNextPage(Context{SourceID: "test"}, Request{URL: "https://example.com"}, Response{Status: 200})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCommitState_ReturnsKeyValuePairs(t *testing.T) {
	script := `
		function commitState(ctx, events) {
			return { cursor: "next-abc", watermark: "2024-01-01T00:00:00Z" };
		}
	`
	r := New(script, testConfig())
	state, err := r.CommitState(Context{SourceID: "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "next-abc", state["cursor"])
	assert.Equal(t, "2024-01-01T00:00:00Z", state["watermark"])
}

func TestRun_TimeoutInterruptsInfiniteLoop(t *testing.T) {
	script := `function buildRequest(ctx) { while (true) {} }`
	r := New(script, config.HooksConfig{TimeoutSecs: 1})
	_, err := r.BuildRequest(Context{SourceID: "test"})
	require.Error(t, err)
}

func TestScriptPath_AbsoluteIsUsedAsIs(t *testing.T) {
	p := ScriptPath(config.HooksConfig{}, "/abs/path/okta.js")
	assert.Equal(t, "/abs/path/okta.js", p)
}

func TestScriptPath_RelativeResolvesUnderConfiguredBase(t *testing.T) {
	p := ScriptPath(config.HooksConfig{Path: "/base"}, "okta.js")
	assert.Equal(t, "/base/okta.js", p)
}

func TestScriptPath_DefaultsToHooksDir(t *testing.T) {
	p := ScriptPath(config.HooksConfig{}, "okta.js")
	assert.Equal(t, "hooks/okta.js", p)
}

func TestFetch_DisabledByDefaultLeavesFunctionUndefined(t *testing.T) {
	script := `function buildRequest(ctx) { return { url: typeof fetch }; }`
	r := New(script, testConfig())
	result, err := r.BuildRequest(Context{SourceID: "test"})
	require.NoError(t, err)
	assert.Equal(t, "undefined", result.URL)
}

func TestFetch_AllowNetworkPerformsRealRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	script := `
		function buildRequest(ctx) {
			var resp = fetch(ctx.pagination.url);
			return { url: ctx.pagination.url, body: resp.body, headers: { status: String(resp.status) } };
		}
	`
	cfg := testConfig()
	cfg.AllowNetwork = true
	r := New(script, cfg)
	result, err := r.BuildRequest(Context{SourceID: "test", Pagination: map[string]string{"url": srv.URL}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "200", result.Headers["status"])
}
