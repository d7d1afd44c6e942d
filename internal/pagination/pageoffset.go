package pagination

import "strconv"

// withPageParams sets the page and limit query parameters for the
// page-offset strategy, reusing withQueryParam's preserve-the-rest
// behavior.
func withPageParams(rawURL, pageParam string, page int, limitParam string, limit int) (string, error) {
	u, err := withQueryParam(rawURL, pageParam, strconv.Itoa(page))
	if err != nil {
		return "", err
	}
	if limitParam != "" && limit > 0 {
		u, err = withQueryParam(u, limitParam, strconv.Itoa(limit))
		if err != nil {
			return "", err
		}
	}
	return u, nil
}
