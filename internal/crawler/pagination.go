package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PageURL returns the URL of page n of a Code's listing. Page 1 is the base
// URL itself; later pages carry the page query parameter.
func PageURL(base string, page int, param string) (string, error) {
	if page <= 1 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PageNumber is the inverse of PageURL: a URL without the page parameter is page 1.
func PageNumber(rawURL string, param string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse page url: %w", err)
	}
	v := strings.TrimSpace(u.Query().Get(param))
	if v == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid page number %q in %s", v, rawURL)
	}
	return n, nil
}

// HasPage reports whether any link points at page n of the listing rooted at base.
func HasPage(links []string, base string, page int, param string) bool {
	want := listingKey(base, param)
	if want == "" {
		return false
	}
	for _, link := range links {
		if listingKey(link, param) != want {
			continue
		}
		n, err := PageNumber(link, param)
		if err == nil && n == page {
			return true
		}
	}
	return false
}

// listingKey identifies a listing independent of its page parameter and fragment.
func listingKey(rawURL, param string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	q := u.Query()
	q.Del(param)
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path + "?" + q.Encode()
}
