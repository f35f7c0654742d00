package gateway

import (
	"net/http"
	"net/url"
	"strings"
)

type origin struct {
	scheme string
	host   string
	port   string
}

func parseOrigin(raw string) (origin, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return origin{}, false
	}
	o := origin{scheme: strings.ToLower(u.Scheme), host: strings.ToLower(u.Hostname()), port: u.Port()}
	if o.port == "" {
		switch o.scheme {
		case "https":
			o.port = "443"
		case "http":
			o.port = "80"
		}
	}
	return o, true
}

// requestOrigin returns the browser origin of r from Origin, falling back to Referer.
func requestOrigin(r *http.Request) (origin, bool, bool) {
	raw := r.Header.Get("Origin")
	if raw == "" || raw == "null" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return origin{}, false, false
	}
	o, ok := parseOrigin(raw)
	return o, true, ok
}

// siteOrigin is the configured public origin, or one derived from the request.
func siteOrigin(r *http.Request, configured string, trustProxy bool) (origin, bool) {
	if configured != "" {
		return parseOrigin(configured)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if trustProxy {
		if p := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); p == "https" || p == "http" {
			scheme = p
		}
	}
	return parseOrigin(scheme + "://" + r.Host)
}

// originAllowed applies the key's origin policy. Requests without Origin or
// Referer come from non-browser clients and pass. With no allowed origins the
// request must be same-site; otherwise it must match an allowed origin or one
// of its subdomains with the same scheme and port.
func originAllowed(r *http.Request, allowed []string, site string, trustProxy bool) bool {
	got, present, ok := requestOrigin(r)
	if !present {
		return true
	}
	if !ok {
		return false
	}
	if len(allowed) == 0 {
		own, ok := siteOrigin(r, site, trustProxy)
		return ok && got == own
	}
	for _, entry := range allowed {
		if entry == "*" {
			return true
		}
		want, ok := parseOrigin(entry)
		if !ok || want.scheme != got.scheme || want.port != got.port {
			continue
		}
		if got.host == want.host || strings.HasSuffix(got.host, "."+want.host) {
			return true
		}
	}
	return false
}
