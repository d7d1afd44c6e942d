package pagination

import (
	"encoding/json"
	"net/url"
	"strings"
)

// cursorValue reads the configured field from a parsed response body. path
// may be a top-level key or a dotted path (e.g. "meta.next_cursor");
// non-string and missing values are treated as absent per §4.G ("if
// non-empty, set it on the request's cursor_param").
func cursorValue(body []byte, path string) (string, bool) {
	if path == "" {
		path = "cursor"
	}
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return "", false
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[seg]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// withQueryParam returns rawURL with param set to value, preserving every
// other existing query parameter.
func withQueryParam(rawURL, param, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
