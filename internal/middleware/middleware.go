// Package middleware provides the HTTP middleware chain: request id
// assignment and request logging.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/lucsky/cuid"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
)

// RequestIDKey is the context key the request id is stored under. It is
// a plain string so the logging adapter can pick it up from any context.
const RequestIDKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestID assigns every request a cuid, exposes it in the X-Request-ID
// response header and stores it in the request context for log
// correlation. An id supplied by the caller is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = cuid.New()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging logs every request with method, path, status and duration.
func Logging(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			fields := []logging.Field{
				{Key: "method", Value: r.Method},
				{Key: "path", Value: r.URL.Path},
				{Key: "status", Value: wrapped.statusCode},
				{Key: "duration_ms", Value: duration.Milliseconds()},
				{Key: "remote_addr", Value: r.RemoteAddr},
			}
			if requestID, ok := r.Context().Value(RequestIDKey).(string); ok {
				fields = append(fields, logging.Field{Key: "request_id", Value: requestID})
			}

			logger.Info("HTTP request", fields...)
		})
	}
}
