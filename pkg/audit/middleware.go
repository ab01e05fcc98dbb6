package audit

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct {
	name string
}

var metaKey = &contextKey{"RequestMeta"}

// Middleware captures the caller's network metadata once per request so
// attempt records reflect the connection the code was submitted over.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), metaKey, CaptureMeta(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetaFromRequest returns the metadata captured by Middleware, reading the
// request directly when the middleware is not installed.
func MetaFromRequest(r *http.Request) RequestMeta {
	if meta, ok := r.Context().Value(metaKey).(RequestMeta); ok {
		return meta
	}
	return CaptureMeta(r)
}

// CaptureMeta reads the client address and user agent from a request.
func CaptureMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP prefers proxy headers over RemoteAddr so records keep the real
// client address behind a load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
