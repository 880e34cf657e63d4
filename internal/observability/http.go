package observability

import (
	"net"
	"net/http"
	"strings"
)

// Caller headers read into logs, events and websocket connection info.
const (
	HeaderUserID    = "X-User-ID"
	HeaderDeviceID  = "X-Device-Id"
	HeaderRequestID = "X-Request-Id"
	HeaderRealIP    = "X-Real-IP"
	HeaderForwarded = "X-Forwarded-For"
)

// UserIDFromRequest returns the caller uid set by the gateway, if any.
func UserIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderUserID))
}

func DeviceIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderDeviceID))
}

func RequestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderRequestID))
}

// IPFromRequest prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get(HeaderForwarded); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
