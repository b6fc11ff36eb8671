// Package origin normalizes browser Origin headers and evaluates them
// against the gateway's CORS allow-list.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, with default ports folded away. The special
// value "null" (sandboxed iframes, file:// pages) is passed through.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}

	var port int
	if raw := u.Port(); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 65535 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.Itoa(port)
	}
	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may access the gateway.
//
// A non-empty allow-list grants access to "*" or exact normalized matches.
// An empty allow-list falls back to same-host: the origin's host[:port] must
// equal the request's Host header. Scheme is not compared because the
// gateway may sit behind a TLS-terminating proxy.
func Allowed(normalized, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, entry := range allowList {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	idx := strings.Index(normalized, "://")
	if idx < 0 {
		// "null" never matches a host-based request.
		return false
	}
	originHost := normalized[idx+3:]
	return hostsEqual(originHost, requestHost, normalized[:idx])
}

func hostsEqual(originHost, requestHost, scheme string) bool {
	requestHost = strings.ToLower(strings.TrimSpace(requestHost))
	if requestHost == "" {
		return false
	}
	switch scheme {
	case "http":
		requestHost = strings.TrimSuffix(requestHost, ":80")
	case "https":
		requestHost = strings.TrimSuffix(requestHost, ":443")
	}
	return originHost == requestHost
}
