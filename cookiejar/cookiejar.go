// Package cookiejar implements the proxy's per-host cookie store: it watches
// Set-Cookie headers on responses and replays them on later requests to the
// same host. It intentionally ignores every cookie attribute beyond the
// name=value pair (Domain, Path, Expires, Max-Age, Secure, HttpOnly,
// SameSite) — this is a traffic-shaping aid for the operator, not a
// browser-correct cookie jar.
package cookiejar

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Jar is a host-keyed map of cookie name -> value.
type Jar struct {
	mu      sync.RWMutex
	cookies map[string]map[string]string
}

// New returns an empty Jar.
func New() *Jar {
	return &Jar{cookies: make(map[string]map[string]string)}
}

// StoreFromResponse scans every Set-Cookie header on a response for the
// request's URL and merges the name=value pairs into the per-host map,
// overwriting any existing value for that name.
func (j *Jar) StoreFromResponse(rawURL string, header http.Header) {
	host := hostKey(rawURL)
	if host == "" {
		return
	}

	setCookies := header.Values("Set-Cookie")
	if len(setCookies) == 0 {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	bucket, ok := j.cookies[host]
	if !ok {
		bucket = make(map[string]string)
		j.cookies[host] = bucket
	}
	for _, sc := range setCookies {
		name, value, ok := parseSetCookie(sc)
		if !ok {
			continue
		}
		bucket[name] = value
	}
}

// Apply appends any cookies stored for the request URL's host onto the
// Cookie header, leaving an existing Cookie header (and any cookie names it
// already carries) untouched.
func (j *Jar) Apply(rawURL string, header http.Header) {
	host := hostKey(rawURL)
	if host == "" {
		return
	}

	j.mu.RLock()
	bucket, ok := j.cookies[host]
	j.mu.RUnlock()
	if !ok || len(bucket) == 0 {
		return
	}

	pairs := make([]string, 0, len(bucket))
	for name, value := range bucket {
		pairs = append(pairs, name+"="+value)
	}
	joined := strings.Join(pairs, "; ")

	if existing := header.Get("Cookie"); existing != "" {
		header.Set("Cookie", existing+"; "+joined)
	} else {
		header.Set("Cookie", joined)
	}
}

// hostKey parses rawURL and returns its lower-cased host, or "" if rawURL
// doesn't parse or has no host.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// parseSetCookie extracts the name=value pair from the segment of a
// Set-Cookie header value before its first ';', ignoring every other
// attribute (Domain, Path, Expires, Max-Age, Secure, HttpOnly, SameSite).
func parseSetCookie(setCookie string) (name, value string, ok bool) {
	first := setCookie
	if idx := strings.IndexByte(setCookie, ';'); idx >= 0 {
		first = setCookie[:idx]
	}
	first = strings.TrimSpace(first)

	eq := strings.IndexByte(first, '=')
	if eq < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(first[:eq])
	value = strings.TrimSpace(first[eq+1:])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}
