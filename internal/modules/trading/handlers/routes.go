package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *TradingHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.HandleOpenAccount)             // Open paper account
		r.Get("/{id}/snapshot", h.HandleGetSnapshot) // Latest committed snapshot
		r.Get("/{id}/orders", h.HandleListOrders)    // Order history, ?status= filter
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.HandleSubmitOrder)       // Submit (idempotent on request_id)
		r.Get("/{id}", h.HandleGetOrder)       // Order state
		r.Delete("/{id}", h.HandleCancelOrder) // Cancel open order
	})

	r.Post("/market/ticks", h.HandleIngestTick) // Raw provider tick, ?provider=
}
