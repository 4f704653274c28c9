// Package middleware provides HTTP middleware for metrics collection and
// request logging.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/pipetune/internal/metrics"
	"go.uber.org/zap"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// Logging logs one line per request. Server errors are logged at error level.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
			}
			if wrapped.statusCode >= http.StatusInternalServerError {
				logger.Error("request failed", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}

// normalizeEndpoint collapses ids out of the path to keep label cardinality
// bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/pipelines/"):
		return withID("/api/pipelines/", path)
	case strings.HasPrefix(path, "/api/optimizations/"):
		return withID("/api/optimizations/", path)
	default:
		return path
	}
}

func withID(prefix, path string) string {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if parts[0] == "" {
		return path
	}
	switch len(parts) {
	case 1:
		return prefix + ":id"
	case 2:
		return prefix + ":id/" + parts[1]
	default:
		return path
	}
}
