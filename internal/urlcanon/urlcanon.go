// Package urlcanon implements the URL Canonicalizer: normalization,
// href resolution, and internal/external classification as described
// in the crawl engine's component design.
package urlcanon

import (
	"net/url"
	"sort"
	"strings"
)

// Normalize reduces a raw URL string to its canonical form. ok is false
// if the URL cannot be parsed or uses a non-http(s) scheme; in that
// case the returned string is empty and must be treated as invalid.
func Normalize(raw string, ignoreParams []string) (canonical string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return normalizeParsed(u, ignoreParams)
}

// ResolveAndNormalize resolves href relative to base, then normalizes
// the result. It inherits Normalize's invalid sentinel on failure.
func ResolveAndNormalize(href string, base *url.URL, ignoreParams []string) (canonical string, ok bool) {
	if base == nil {
		return Normalize(href, ignoreParams)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	return normalizeParsed(resolved, ignoreParams)
}

func normalizeParsed(u *url.URL, ignoreParams []string) (string, bool) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	u.Scheme = scheme
	u.Host = lowerHost(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	u.Host = stripDefaultPort(u.Host, scheme)

	ignored := make(map[string]struct{}, len(ignoreParams))
	for _, p := range ignoreParams {
		ignored[strings.ToLower(p)] = struct{}{}
	}

	if u.RawQuery != "" {
		values := u.Query()
		for key := range values {
			if _, skip := ignored[strings.ToLower(key)]; skip {
				values.Del(key)
			}
		}
		u.RawQuery = encodeSortedQuery(values)
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), true
}

func lowerHost(host string) string {
	return strings.ToLower(host)
}

func stripDefaultPort(host, scheme string) string {
	suffix := ":80"
	if scheme == "https" {
		suffix = ":443"
	}
	return strings.TrimSuffix(host, suffix)
}

// encodeSortedQuery re-encodes query values with keys sorted ascending,
// stable for equal keys, matching url.Values.Encode's per-key value
// ordering but with deterministic key order guaranteed across Go
// versions.
func encodeSortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		for j, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			_ = i
			_ = j
		}
	}
	return b.String()
}

// IsInternal reports whether a normalized URL's host belongs to the
// given base domain, honoring the includeSubdomains classification
// rule.
func IsInternal(normalizedURL, baseDomain string, includeSubdomains bool) bool {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(stripDefaultPort(u.Host, strings.ToLower(u.Scheme)))
	domain := strings.ToLower(baseDomain)
	if host == domain {
		return true
	}
	if includeSubdomains && strings.HasSuffix(host, "."+domain) {
		return true
	}
	return false
}
