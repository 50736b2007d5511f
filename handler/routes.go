package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the webhook, health, metrics and (when admin is non-nil)
// maintenance routes.
func NewRouter(h *Handler, admin *Admin, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
	}))

	r.Method(http.MethodPost, "/webhook", h)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(mustJSON(ackResponse{OK: true}))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if admin != nil {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(admin.RequireToken)
			ar.Get("/sessions/{sessionID}/turns", admin.ListTurns)
			ar.Delete("/sessions/{sessionID}", admin.DeleteSession)
			ar.Delete("/turns/{turnID}", admin.DeleteTurn)
		})
	}
	return r
}
