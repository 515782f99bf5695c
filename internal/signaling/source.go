package signaling

import (
	"net"
	"net/http"
	"strings"
)

// sourceAddress identifies the client for connection attempt limiting.
//
// Proxy headers are only honoured when the relay sits behind a proxy that
// overwrites them; otherwise any client could pick its own bucket.
func sourceAddress(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
