// Package origin validates browser Origin headers for the relay's HTTP
// surfaces (/ws and /peers).
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates an Origin value and returns it as scheme://host[:port]
// (lowercase, default port dropped) together with its host[:port] part.
//
// "null" is accepted and returned unchanged with an empty host.
func Normalize(raw string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a request from originHeader may access requestHost.
//
// With a non-empty allow list, the normalized origin must be listed (or the
// list must contain "*"). Otherwise only same-host requests pass; the scheme
// is ignored because TLS is commonly terminated in front of the relay.
func Allowed(originHeader, requestHost string, allowed []string) (normalized string, ok bool) {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return normalized, true
			}
		}
		return "", false
	}
	if host == "" {
		return "", false
	}
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(requestHost, scheme)
	if !ok || reqHost != host {
		return "", false
	}
	return normalized, true
}

// CheckRequest is suitable as a websocket.Upgrader CheckOrigin func. Requests
// without an Origin header (non-browser clients) always pass.
func CheckRequest(r *http.Request, allowed []string) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	_, ok := Allowed(header, r.Host, allowed)
	return ok
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		if p == "" {
			return "", false
		}
		hostname, port = h, p
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 literal or stray colon.
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
