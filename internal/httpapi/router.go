package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchworkdata/catalog-pipeline/internal/config"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, defaulting to
// ["*"] on empty input.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter wires every stage's endpoint plus admin/health/metrics
// routes (spec.md §6.1), grounded on the teacher's internal/app/router.go.
func BuildRouter(cfg config.Config, stages map[string]*StageEndpoint) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(timeoutMiddleware(30 * time.Second))
	r.Use(securityHeaders)
	r.Use(accessLog)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		for name, ep := range stages {
			wr.Post("/"+name, ep.TickHandler())
			wr.Get("/"+name+"/health", ep.HealthHandler())
		}
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
