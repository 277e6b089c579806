// Package app wires configuration, adapters, and services into the
// running process: the HTTP router and the background maintenance loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/llm-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. Empty input means all origins.
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

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Completion endpoints are rate limited per caller.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/chat/completions", srv.ChatCompletionsHandler())
		wr.Post("/v1/{backend}/chat/completions", srv.ChatCompletionsHandler())
	})

	// Read-only operational endpoints.
	r.Get("/v1/models", srv.ModelsHandler())
	r.Get("/v1/queue-status", srv.QueueStatusHandler())
	r.Get("/queue/status", srv.QueueStatusHandler())
	r.Get("/v1/subscriptions", srv.SubscriptionsHandler())
	r.Get("/v1/sessions", srv.SessionsHandler())

	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
