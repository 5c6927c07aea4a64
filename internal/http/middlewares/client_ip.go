package middlewares

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's IP, preferring the first hop of
// X-Forwarded-For.
//
// The gateway MUST be deployed behind a reverse proxy that overwrites
// X-Forwarded-For with the true client address; otherwise clients can
// spoof their IP and walk around token IP allowlists.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsHTTPS reports whether the request arrived over TLS, directly or via a
// terminating proxy.
func IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}
