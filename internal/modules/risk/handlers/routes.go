package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all risk routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/risk", func(r chi.Router) {
		r.Get("/limits", h.HandleGetLimits)
		r.Get("/symbols", h.HandleListSymbols)
		r.Get("/symbols/{symbol}", h.HandleGetSymbol)
		r.Get("/accounts/{id}", h.HandleGetAccount)
	})
}
