package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP routes of the queue service.
func NewRouter(h *QueueHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger)                  // structured access log
	r.Use(CORS)

	r.Get("/health", HealthCheck)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/monitoring/pool", h.PoolStats)

		r.Route("/events/{eventId}", func(r chi.Router) {
			r.Use(RequireUser)
			r.Get("/waiting", h.Join)
			r.Delete("/waiting", h.Leave)
			r.Get("/current", h.Current)
			r.Get("/subscribe", h.Subscribe)
			r.Get("/subscribe/ws", h.SubscribeWS)
		})
	})

	r.Route("/internal/queue", func(r chi.Router) {
		r.Post("/entry-tokens/verify", h.VerifyEntry)
		r.Put("/events/{eventId}/gate", h.UpdateGate)
	})

	return r
}
