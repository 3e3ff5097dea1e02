package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// SecurityHeaders wraps a handler with standard security headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

type callerKey struct{}

// caller returns the display user attached by requireKey.
func caller(ctx context.Context) string {
	user, _ := ctx.Value(callerKey{}).(string)
	return user
}

// requireKey rejects requests whose credential is unknown to the keyring.
// 403 carries no body: nothing about the failure is leaked to the caller.
// Every request re-authenticates; there is no session state.
func (a *API) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.keyring.FromRequest(r)
		if !ok {
			slog.Warn("rejected credential", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, user)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// requestLog logs one line per completed request.
func requestLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(sr, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
