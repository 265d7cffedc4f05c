package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/vectorise/vectorise-payments/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного ядра.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/payments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.CORS)
			r.Post("/initiate", h.Initiate)
			// Preflight закрывается внутри CORS middleware.
			r.Options("/initiate", func(w http.ResponseWriter, r *http.Request) {})
		})

		r.Get("/status", h.Status)
		r.Get("/verify", h.Verify)
		r.Post("/webhook", h.Webhook)
	})

	r.Get("/participants/{participantID}/notifications", h.Notifications)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.adminAuth.Middleware)
		r.Post("/provisionPartner", h.ProvisionPartner)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
