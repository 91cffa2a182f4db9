// Package normalize canonicalizes submitted URLs and text into identity keys.
package normalize

import (
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// trackingParams are query keys that never change what a URL points to.
// Any key starting with "utm_" or "fb_" is dropped as well.
var trackingParams = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"gclsrc":   {},
	"dclid":    {},
	"msclkid":  {},
	"yclid":    {},
	"igshid":   {},
	"mc_cid":   {},
	"mc_eid":   {},
	"_hsenc":   {},
	"_hsmi":    {},
	"mkt_tok":  {},
	"ref":      {},
	"ref_src":  {},
	"referrer": {},
	"click_id": {},
	"clickid":  {},
}

// Key returns the identity key for a user submitted string.
// Two inputs refer to the same item iff their keys are equal.
// Key never fails: input that is not a URL is trimmed and lower-cased.
func Key(input string) string {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return ""
	}

	u, ok := parse(raw)
	if !ok {
		return fallback(raw)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	path := u.EscapedPath()
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimRight(path, "/")

	key := host + path
	if q := query(u.RawQuery); q != "" {
		key += "?" + q
	}
	return strings.ToLower(key)
}

// Same reports whether a and b normalize to the same key.
func Same(a, b string) bool {
	return Key(a) == Key(b)
}

// Domain returns the lower-cased host of input without a leading "www.",
// or "" when input is not a URL.
func Domain(input string) string {
	u, ok := parse(strings.TrimSpace(input))
	if !ok {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// IsURL reports whether input parses as a web URL.
func IsURL(input string) bool {
	_, ok := parse(strings.TrimSpace(input))
	return ok
}

// parse accepts absolute http(s) URLs and bare hosts such as "example.com/a".
func parse(raw string) (*url.URL, bool) {
	if raw == "" || strings.ContainsAny(raw, " \t\n") {
		return nil, false
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		host := candidate
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if !strings.Contains(host, ".") {
			return nil, false
		}
		candidate = "https://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return nil, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}
	if u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

// query cleans a raw query. A query that does not decode is kept verbatim so
// distinct malformed queries stay distinct.
func query(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return cleanQuery(q)
}

func cleanQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	// Keys and values are lower-cased before sorting so the order is stable
	// once the whole key is lower-cased.
	lowered := url.Values{}
	for k, values := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || strings.HasPrefix(lk, "fb_") {
			continue
		}
		if _, ok := trackingParams[lk]; ok {
			continue
		}
		for _, v := range values {
			lowered.Add(lk, strings.ToLower(v))
		}
	}
	if len(lowered) == 0 {
		return ""
	}
	for _, values := range lowered {
		sort.Strings(values)
	}
	// Encode sorts by key.
	return lowered.Encode()
}

func fallback(raw string) string {
	return strings.TrimRightFunc(strings.ToLower(raw), func(r rune) bool {
		return r == '/' || unicode.IsSpace(r)
	})
}
