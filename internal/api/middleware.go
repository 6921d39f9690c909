// Package api exposes the HTTP surface: health, metrics and the inbound
// webhooks for Telegram updates and payment notifications.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vetrovp/genforge/internal/utils"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs every request with a generated request id.
// Webhook paths embed secrets, so only the route pattern is logged, never
// the raw URL.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		utils.Info("http_request",
			"request_id", requestID,
			"method", r.Method,
			"path", routePattern(r),
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// metricsMiddleware records request metrics, skipping the scrape endpoint.
func metricsMiddleware(metrics *utils.MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			if r.URL.Path != "/metrics" {
				metrics.RecordHTTPRequest(r.Method, routePattern(r), rw.statusCode, time.Since(start))
			}
		})
	}
}

// bodyLimitMiddleware rejects oversized request bodies. Reads past the
// limit fail inside handlers; the handler maps that to 413.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// recoverMiddleware turns handler panics into 500s instead of taking the
// process down.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				utils.Error("handler panic", "panic", rec, "path", routePattern(r))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
