// Package handlers provides HTTP handlers for the durable ledger history.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

// AccountHeader carries the trusted caller account id
const AccountHeader = "X-Account-ID"

// History is the read side of the journal
type History interface {
	ListOrders(ctx context.Context, accountID string) ([]domain.Order, error)
	ListFills(ctx context.Context, accountID string) ([]domain.Fill, error)
	Count(ctx context.Context) (int64, error)
}

// Handler handles ledger HTTP requests
type Handler struct {
	history History
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(history History, log zerolog.Logger) *Handler {
	return &Handler{
		history: history,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := strings.TrimSpace(r.Header.Get(AccountHeader))
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrMissingAccount.Code, domain.ErrMissingAccount.Message)
		return "", false
	}
	return accountID, true
}

// HandleGetFills handles GET /api/ledger/fills
// Optional ?symbol= filter and ?limit= (most recent N).
func (h *Handler) HandleGetFills(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}

	fills, err := h.history.ListFills(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to list fills")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list fills")
		return
	}

	if symbol := strings.ToUpper(r.URL.Query().Get("symbol")); symbol != "" {
		filtered := fills[:0]
		for _, f := range fills {
			if f.Symbol == symbol {
				filtered = append(filtered, f)
			}
		}
		fills = filtered
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(fills) {
			fills = fills[len(fills)-limit:]
		}
	}
	if fills == nil {
		fills = []domain.Fill{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fills": fills,
		"count": len(fills),
	})
}

// symbolSummary aggregates the fills of one symbol
type symbolSummary struct {
	Symbol         string          `json:"symbol"`
	Fills          int             `json:"fills"`
	BoughtQuantity decimal.Decimal `json:"bought_quantity"`
	SoldQuantity   decimal.Decimal `json:"sold_quantity"`
	BoughtNotional decimal.Decimal `json:"bought_notional"`
	SoldNotional   decimal.Decimal `json:"sold_notional"`
	Fees           decimal.Decimal `json:"fees"`
}

// HandleGetFillsSummary handles GET /api/ledger/fills/summary
func (h *Handler) HandleGetFillsSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}

	fills, err := h.history.ListFills(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to list fills")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to summarize fills")
		return
	}

	bySymbol := map[string]*symbolSummary{}
	var order []string
	totalFees := decimal.Zero
	for _, f := range fills {
		s, ok := bySymbol[f.Symbol]
		if !ok {
			s = &symbolSummary{Symbol: f.Symbol}
			bySymbol[f.Symbol] = s
			order = append(order, f.Symbol)
		}
		s.Fills++
		s.Fees = s.Fees.Add(f.Fee)
		totalFees = totalFees.Add(f.Fee)
		if f.Side == domain.SideBuy {
			s.BoughtQuantity = s.BoughtQuantity.Add(f.Quantity)
			s.BoughtNotional = s.BoughtNotional.Add(f.Notional())
		} else {
			s.SoldQuantity = s.SoldQuantity.Add(f.Quantity)
			s.SoldNotional = s.SoldNotional.Add(f.Notional())
		}
	}

	symbols := make([]symbolSummary, 0, len(order))
	for _, sym := range order {
		symbols = append(symbols, *bySymbol[sym])
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":  accountID,
		"total_fills": len(fills),
		"total_fees":  totalFees,
		"symbols":     symbols,
	})
}

// HandleGetOrders handles GET /api/ledger/orders
// Unlike the live order view this includes rejected submissions.
func (h *Handler) HandleGetOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}

	orders, err := h.history.ListOrders(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to list orders")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list orders")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// HandleGetOrderByID handles GET /api/ledger/orders/{id}
func (h *Handler) HandleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	orders, err := h.history.ListOrders(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to list orders")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load order")
		return
	}
	for _, o := range orders {
		if o.ID == id {
			h.writeJSON(w, http.StatusOK, o)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", domain.ErrOrderNotFound.Error())
}

// HandleGetJournalStats handles GET /api/ledger/journal
func (h *Handler) HandleGetJournalStats(w http.ResponseWriter, r *http.Request) {
	n, err := h.history.Count(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count journal entries")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to read journal")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": n})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
