package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		// Fill endpoints
		r.Get("/fills", h.HandleGetFills)
		r.Get("/fills/summary", h.HandleGetFillsSummary)

		// Durable order history, rejections included
		r.Get("/orders", h.HandleGetOrders)
		r.Get("/orders/{id}", h.HandleGetOrderByID)

		r.Get("/journal", h.HandleGetJournalStats)
	})
}
