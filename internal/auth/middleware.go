package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires "Bearer <apiKey>".
// An empty apiKey disables the check, for loopback-only listeners.
func Middleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if len(want) > 0 {
				authHeader := r.Header.Get("Authorization")
				if !strings.HasPrefix(authHeader, "Bearer ") {
					logger.Debug("middleware: no bearer token",
						slog.String("ip", ip),
						slog.String("path", r.URL.Path),
					)
					w.Header().Set("WWW-Authenticate", "Bearer")
					w.WriteHeader(http.StatusUnauthorized)

					return
				}

				got := []byte(strings.TrimPrefix(authHeader, "Bearer "))
				if subtle.ConstantTimeCompare(got, want) != 1 {
					logger.Debug("middleware: invalid API key",
						slog.String("ip", ip),
						slog.String("path", r.URL.Path),
					)
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
					w.WriteHeader(http.StatusUnauthorized)

					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
