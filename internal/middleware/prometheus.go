package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aaronlmathis/kaptn-relay/internal/metrics"
)

// PrometheusMiddleware records HTTP request metrics for Prometheus
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, routeLabel(r), status, time.Since(start))
	})
}

// RequestIDResponseMiddleware adds the request ID to response headers
func RequestIDResponseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// routeLabel prefers the matched chi pattern so element ids do not become labels
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return sanitizePath(r.URL.Path)
}

// sanitizePath normalizes unmatched URL paths to keep label cardinality bounded
func sanitizePath(path string) string {
	path = strings.TrimSuffix(path, "/")

	switch path {
	case "", "/healthz", "/version", "/metrics":
		if path == "" {
			return "/"
		}
		return path
	}

	parts := strings.Split(path, "/")
	if len(parts) >= 5 && parts[1] == "api" && parts[2] == "v1" && parts[3] == "elements" {
		// /api/v1/elements/{id}[/series/{metric}]
		if len(parts) == 7 && parts[5] == "series" {
			return "/api/v1/elements/{id}/series/{metric}"
		}
		return "/api/v1/elements/{id}"
	}

	if strings.HasPrefix(path, "/api/") {
		return path
	}
	return "other"
}
