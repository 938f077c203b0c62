package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sentinel-honeypot/relay/services/admin/middleware"
)

// NewRouter builds the admin HTTP handler. Health probes are public; every
// /admin route requires apiKey when one is set.
func NewRouter(h *REST, apiKey string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.APIKey(apiKey))
		h.Routes(r)
	})
	return r
}
