// Package hooks runs optional per-source JavaScript callbacks (getAuth,
// buildRequest, parseResponse, getNextPage, commitState) in a sandboxed
// goja VM: one fresh runtime per call, no filesystem access, a wall-clock
// timeout enforced via Interrupt, and network access gated by config.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/herrors"
)

// Context mirrors the ctx object passed to every hook entry point.
type Context struct {
	Env           map[string]string `json:"env"`
	State         map[string]string `json:"state"`
	RequestID     string            `json:"requestId"`
	SourceID      string            `json:"sourceId"`
	DefaultSince  string            `json:"defaultSince,omitempty"`
	Pagination    map[string]string `json:"pagination,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Response mirrors the response object passed to parseResponse/getNextPage.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// Request mirrors the request that was actually sent, passed to getNextPage.
type Request struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body,omitempty"`
}

// AuthResult is getAuth's return value.
type AuthResult struct {
	Headers map[string]string
	Cookie  string
	Body    json.RawMessage
	Query   map[string]string
}

// BuildRequestResult is buildRequest's return value.
type BuildRequestResult struct {
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    json.RawMessage
}

// Event is one element of parseResponse's return array.
type Event struct {
	TS     string
	Source string
	Event  json.RawMessage
	Meta   json.RawMessage
}

// NextPageResult is getNextPage's return value.
type NextPageResult struct {
	URL  string
	Body json.RawMessage
}

// Runtime executes a single source's hook script.
type Runtime struct {
	script string
	cfg    config.HooksConfig
}

// ScriptPath resolves a configured hook_script value against the global
// hooks path, mirroring §4.K: absolute, "./"-prefixed and "../"-prefixed
// paths are used as-is, everything else is resolved under global.hooks.path (default
// "./hooks").
func ScriptPath(global config.HooksConfig, script string) string {
	script = strings.TrimSpace(script)
	if strings.HasPrefix(script, "/") || strings.HasPrefix(script, "./") || strings.HasPrefix(script, "../") {
		return script
	}
	base := global.Path
	if base == "" {
		base = "./hooks"
	}
	return filepath.Join(base, script)
}

// New loads script (already-read source text) bound to hooks-runtime config.
func New(script string, cfg config.HooksConfig) *Runtime {
	return &Runtime{script: script, cfg: cfg}
}

func (r *Runtime) timeout() time.Duration {
	if r.cfg.TimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.cfg.TimeoutSecs) * time.Second
}

// run evaluates the script, looks up fnName on the global object, and calls
// it with args. Each call gets a fresh VM (no state carries across calls,
// and boa_engine values are not Send in the original either way) and is
// interrupted if it runs past the configured timeout. A global function
// missing is not an error — the hook simply opted out of that entry point.
func (r *Runtime) run(fnName string, args ...any) (goja.Value, bool, error) {
	vm := goja.New()

	done := make(chan struct{})
	timer := time.AfterFunc(r.timeout(), func() {
		vm.Interrupt(fmt.Sprintf("hook %s timed out", fnName))
	})
	defer func() {
		timer.Stop()
		close(done)
	}()

	if r.cfg.AllowNetwork {
		if err := vm.Set("fetch", r.jsFetch(vm)); err != nil {
			return nil, false, &herrors.HookError{HookName: fnName, Cause: err}
		}
	}

	if _, err := vm.RunString(r.script); err != nil {
		return nil, false, &herrors.HookError{HookName: fnName, Cause: fmt.Errorf("evaluate script: %w", err)}
	}

	fnVal := vm.Get(fnName)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, false, nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, false, nil
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}

	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			return nil, false, &herrors.HookError{HookName: fnName, Cause: fmt.Errorf("%v", ie.Value())}
		}
		return nil, false, &herrors.HookError{HookName: fnName, Cause: err}
	}
	return result, true, nil
}

// jsFetch returns a blocking fetch(url[, opts]) implementation, registered
// only when allow_network is set. It runs synchronously inside the call's
// timeout budget rather than exposing a Promise/event-loop, since hooks run
// to completion within a single spawn_blocking-equivalent call.
func (r *Runtime) jsFetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	client := &http.Client{Timeout: r.timeout()}
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("fetch: url is required"))
		}
		url := call.Arguments[0].String()
		method := "GET"
		var body io.Reader
		headers := map[string]string{}
		if len(call.Arguments) > 1 {
			if opts, ok := call.Arguments[1].Export().(map[string]interface{}); ok {
				if m, ok := opts["method"].(string); ok && m != "" {
					method = strings.ToUpper(m)
				}
				if b, ok := opts["body"].(string); ok {
					body = strings.NewReader(b)
				}
				for k, v := range stringMap(opts["headers"]) {
					headers[k] = v
				}
			}
		}

		req, err := http.NewRequest(method, url, body)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			panic(vm.NewGoError(err))
		}

		respHeaders := map[string]string{}
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}
		return vm.ToValue(map[string]interface{}{
			"status":  resp.StatusCode,
			"headers": respHeaders,
			"body":    string(respBody),
		})
	}
}

func stringMap(v any) map[string]string {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, raw := range obj {
		if s, ok := raw.(string); ok {
			out[k] = s
		}
	}
	return out
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// GetAuth calls getAuth(ctx); a null/undefined/empty result means "no hook
// auth" and callers fall back to the configured auth provider.
func (r *Runtime) GetAuth(ctx Context) (*AuthResult, error) {
	result, called, err := r.run("getAuth", ctx)
	if err != nil || !called {
		return nil, err
	}
	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, nil
	}
	out := &AuthResult{
		Headers: stringMap(obj["headers"]),
		Query:   stringMap(obj["query"]),
		Body:    rawJSON(obj["body"]),
	}
	if s, ok := obj["cookie"].(string); ok {
		out.Cookie = s
	}
	if out.Headers == nil && out.Query == nil && out.Body == nil && out.Cookie == "" {
		return nil, nil
	}
	return out, nil
}

// BuildRequest calls buildRequest(ctx).
func (r *Runtime) BuildRequest(ctx Context) (*BuildRequestResult, error) {
	result, called, err := r.run("buildRequest", ctx)
	if err != nil || !called {
		return nil, err
	}
	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, nil
	}
	out := &BuildRequestResult{
		Headers: stringMap(obj["headers"]),
		Query:   stringMap(obj["query"]),
		Body:    rawJSON(obj["body"]),
	}
	if s, ok := obj["url"].(string); ok {
		out.URL = s
	}
	return out, nil
}

// ParseResponse calls parseResponse(ctx, response); a missing hook returns
// no events (the caller should fall back to the built-in body extractor).
func (r *Runtime) ParseResponse(ctx Context, resp Response) ([]Event, bool, error) {
	result, called, err := r.run("parseResponse", ctx, resp)
	if err != nil || !called {
		return nil, called, err
	}
	arr, ok := result.Export().([]interface{})
	if !ok {
		return nil, true, nil
	}
	events := make([]Event, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, true, &herrors.HookError{HookName: "parseResponse", Cause: fmt.Errorf("element must be an object")}
		}
		ts, _ := obj["ts"].(string)
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339)
		}
		source, _ := obj["source"].(string)
		if source == "" {
			source = ctx.SourceID
		}
		events = append(events, Event{
			TS:     ts,
			Source: source,
			Event:  rawJSON(obj["event"]),
			Meta:   rawJSON(obj["meta"]),
		})
	}
	return events, true, nil
}

// GetNextPage calls getNextPage(ctx, request, response).
func (r *Runtime) GetNextPage(ctx Context, req Request, resp Response) (*NextPageResult, error) {
	result, called, err := r.run("getNextPage", ctx, req, resp)
	if err != nil || !called {
		return nil, err
	}
	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, nil
	}
	out := &NextPageResult{Body: rawJSON(obj["body"])}
	if s, ok := obj["url"].(string); ok {
		out.URL = s
	}
	return out, nil
}

// CommitState calls commitState(ctx, events), returning key/value pairs the
// caller should write to the state store.
func (r *Runtime) CommitState(ctx Context, events []Event) (map[string]string, error) {
	result, called, err := r.run("commitState", ctx, events)
	if err != nil || !called {
		return nil, err
	}
	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return map[string]string{}, nil
	}
	out := stringMap(obj)
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}
