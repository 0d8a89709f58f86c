package server

import (
	"net/http"
	"strings"
)

// unknownClient is the identity used when no address header is present.
const unknownClient = "unknown"

// clientID derives the rate-limiting identity of a request. Proxy
// headers are consulted in priority order; the first non-empty one
// wins. There is no spoofing defense here beyond ordering: the service
// is expected to run behind a proxy that sets these headers.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if cfIP := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}

	return unknownClient
}
