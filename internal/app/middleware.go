package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"microclimate/telemetry-server/internal/auth"
	"microclimate/telemetry-server/internal/metrics"
)

// requireRole runs the access gate before the wrapped handler. A header that
// is present but empty counts as a presented (wrong) credential.
func (a *App) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var presented *string
			if values, ok := r.Header[http.CanonicalHeaderKey(auth.HeaderName)]; ok && len(values) > 0 {
				presented = &values[0]
			}

			attrs := []any{"method", r.Method, "path", r.URL.Path}
			if id := chi.URLParam(r, "device_id"); id != "" {
				attrs = append(attrs, "device_id", id)
			}
			if q := r.URL.RawQuery; q != "" {
				attrs = append(attrs, "query", q)
			}

			if _, err := a.gate.Authorize(role, presented, attrs...); err != nil {
				a.respondServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counts and latency by route pattern.
func (a *App) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

		a.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
