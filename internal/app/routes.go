package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microclimate/telemetry-server/internal/auth"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)
	if len(a.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", auth.HeaderName},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, r, http.StatusNotFound, APIError{Code: codeNotFound, Message: "no route for " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, r, http.StatusMethodNotAllowed, APIError{Code: codeMethodNotAllowed, Message: r.Method + " not allowed on " + r.URL.Path})
	})

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/telemetry", func(r chi.Router) {
		r.Use(middleware.Timeout(a.cfg.RequestTimeout))

		r.With(a.requireRole(auth.RoleIngest)).Post("/", a.handleIngest)
		r.With(a.requireRole(auth.RoleQuery)).Get("/{device_id}", a.handleList)
		r.With(a.requireRole(auth.RoleQuery)).Get("/{device_id}/stats", a.handleStats)
	})

	return r
}

// metricsRoutes serves the Prometheus registry on the metrics port.
func metricsRoutes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}
