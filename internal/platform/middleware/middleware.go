// Package middleware provides the gateway's HTTP middleware chain: request
// correlation, client metadata capture, access logging and panic recovery.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"authgate/pkg/requestcontext"
)

// RequestIDHeader carries the correlation ID to and from clients.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns each request a correlation ID, honoring one supplied by
// a trusted upstream, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientMetadata captures the client IP and User-Agent into the context for
// audit events and session device summaries.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), clientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP prefers the leftmost X-Forwarded-For entry; the gateway sits
// behind a TLS terminator in production.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
