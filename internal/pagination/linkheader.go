package pagination

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tomnomnom/linkheader"
)

// defaultRel is used when a source's pagination config leaves Rel unset.
const defaultRel = "next"

// nextFromLinkHeader scans every Link header value (§4.G: "multiple Link
// headers and comma-joined values both supported") for an entry whose rel
// matches rel case-insensitively, resolving it against baseURL since
// servers may return a path-relative next link.
func nextFromLinkHeader(header http.Header, rel, baseURL string) (string, bool, error) {
	if rel == "" {
		rel = defaultRel
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false, err
	}

	for _, raw := range header.Values("Link") {
		for _, link := range linkheader.Parse(raw) {
			if !strings.EqualFold(link.Rel, rel) {
				continue
			}
			resolved, err := base.Parse(link.URL)
			if err != nil {
				continue
			}
			return resolved.String(), true, nil
		}
	}
	return "", false, nil
}
