package pagination

import (
	"fmt"
	"net/http"

	"github.com/ocx/helvault/internal/config"
)

// DefaultMaxPages is used when a source leaves pagination.max_pages unset.
const DefaultMaxPages = 100

// Walker drives one source's page-to-page URL construction. It holds no
// mutable state itself — callers (internal/polltick) own the State value
// and thread it through Seed/Next across a tick's page loop.
type Walker struct {
	Cfg     config.PaginationConfig
	BaseURL string
}

// NewWalker returns a Walker for one source's pagination config and base
// request URL.
func NewWalker(cfg config.PaginationConfig, baseURL string) *Walker {
	return &Walker{Cfg: cfg, BaseURL: baseURL}
}

// MaxPages returns the configured page cap, defaulting per §4.G.
func (w *Walker) MaxPages() int {
	if w.Cfg.MaxPages > 0 {
		return w.Cfg.MaxPages
	}
	return DefaultMaxPages
}

// Seed builds the first request URL for a tick, resuming from persisted
// state when the strategy carries one (link-header's next_url, cursor's
// cursor); page-offset always restarts at page 0.
func (w *Walker) Seed(state State) (string, error) {
	switch w.Cfg.Strategy {
	case "link_header":
		if state.NextURL != "" {
			return state.NextURL, nil
		}
		return w.BaseURL, nil
	case "cursor":
		if state.Cursor == "" {
			return w.BaseURL, nil
		}
		param := w.Cfg.CursorParam
		if param == "" {
			param = "cursor"
		}
		return withQueryParam(w.BaseURL, param, state.Cursor)
	case "page_offset":
		return withPageParams(w.BaseURL, pageParamOr(w.Cfg.PageParam), 0, w.Cfg.LimitParam, w.Cfg.Limit)
	default:
		return "", fmt.Errorf("pagination: unknown strategy %q", w.Cfg.Strategy)
	}
}

// NextInput is the outcome of the page request just executed.
type NextInput struct {
	RequestURL string
	Body       []byte
	Header     http.Header
	Page       int // 0-based index of the request that was just executed
	EventCount int
}

// NextResult is the next request URL (when Done is false) and the State to
// persist either way.
type NextResult struct {
	URL   string
	State State
	Done  bool
}

// Next computes the next page's request, or reports the walk is done, per
// §4.G's per-strategy no-more signal.
func (w *Walker) Next(in NextInput) (NextResult, error) {
	switch w.Cfg.Strategy {
	case "link_header":
		return w.nextLinkHeader(in)
	case "cursor":
		return w.nextCursor(in)
	case "page_offset":
		return w.nextPageOffset(in)
	default:
		return NextResult{}, fmt.Errorf("pagination: unknown strategy %q", w.Cfg.Strategy)
	}
}

func (w *Walker) nextLinkHeader(in NextInput) (NextResult, error) {
	next, ok, err := nextFromLinkHeader(in.Header, w.Cfg.Rel, in.RequestURL)
	if err != nil {
		return NextResult{}, err
	}
	if !ok {
		return NextResult{Done: true, State: State{NextURL: ""}}, nil
	}
	return NextResult{URL: next, State: State{NextURL: next}}, nil
}

func (w *Walker) nextCursor(in NextInput) (NextResult, error) {
	val, ok := cursorValue(in.Body, w.Cfg.CursorPath)
	if !ok {
		return NextResult{Done: true, State: State{Cursor: ""}}, nil
	}
	param := w.Cfg.CursorParam
	if param == "" {
		param = "cursor"
	}
	next, err := withQueryParam(in.RequestURL, param, val)
	if err != nil {
		return NextResult{}, err
	}
	return NextResult{URL: next, State: State{Cursor: val}}, nil
}

func (w *Walker) nextPageOffset(in NextInput) (NextResult, error) {
	if in.EventCount == 0 {
		return NextResult{Done: true}, nil
	}
	next, err := withPageParams(w.BaseURL, pageParamOr(w.Cfg.PageParam), in.Page+1, w.Cfg.LimitParam, w.Cfg.Limit)
	if err != nil {
		return NextResult{}, err
	}
	return NextResult{URL: next}, nil
}

func pageParamOr(p string) string {
	if p == "" {
		return "page"
	}
	return p
}
