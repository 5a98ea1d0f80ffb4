// Package handlers provides HTTP handlers for accounts, orders and market data ingestion.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/trading"
)

// AccountHeader carries the caller's account id. It is trusted as set by
// the upstream auth layer.
const AccountHeader = "X-Account-ID"

// maxTickBytes bounds a single market data payload
const maxTickBytes = 64 << 10

// TradingHandlers contains HTTP handlers for the trading API
type TradingHandlers struct {
	service         *trading.TradingService
	defaultCash     decimal.Decimal
	defaultProvider string
	log             zerolog.Logger
}

// NewTradingHandlers creates a new trading handlers instance
func NewTradingHandlers(
	service *trading.TradingService,
	defaultCash decimal.Decimal,
	defaultProvider string,
	log zerolog.Logger,
) *TradingHandlers {
	if defaultProvider == "" {
		defaultProvider = pricefeed.ProviderSimple
	}
	return &TradingHandlers{
		service:         service,
		defaultCash:     defaultCash,
		defaultProvider: defaultProvider,
		log:             log.With().Str("handler", "trading").Logger(),
	}
}

// HandleOpenAccount creates a paper account
// POST /api/accounts
func (h *TradingHandlers) HandleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string           `json:"account_id"`
		InitialCash *decimal.Decimal `json:"initial_cash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	cash := h.defaultCash
	if req.InitialCash != nil {
		cash = *req.InitialCash
	}

	snap, err := h.service.OpenAccount(r.Context(), strings.TrimSpace(req.AccountID), cash)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.log.Info().Str("account_id", snap.AccountID).Str("initial_cash", cash.String()).Msg("Account opened")
	h.writeJSON(w, http.StatusCreated, snap)
}

// HandleGetSnapshot returns the latest committed snapshot
// GET /api/accounts/{id}/snapshot
func (h *TradingHandlers) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// HandleListOrders returns every order of the account, oldest first
// GET /api/accounts/{id}/orders
func (h *TradingHandlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.Orders(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
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
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// HandleSubmitOrder runs an order through the pipeline
// POST /api/orders
func (h *TradingHandlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get(AccountHeader)
	if accountID == "" {
		h.writeDomainError(w, domain.ErrMissingAccount)
		return
	}

	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if req.AccountID != "" && req.AccountID != accountID {
		h.writeError(w, http.StatusForbidden, "forbidden", "account_id does not match the authenticated account")
		return
	}
	req.AccountID = accountID
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	res, err := h.service.SubmitOrder(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if res.Throttled {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		h.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":          string(res.Reason),
			"message":        "Order rate limit exceeded",
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		})
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

// HandleGetOrder returns one order owned by the caller
// GET /api/orders/{id}
func (h *TradingHandlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get(AccountHeader)
	if accountID == "" {
		h.writeDomainError(w, domain.ErrMissingAccount)
		return
	}
	order, err := h.service.Order(accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// HandleCancelOrder cancels an open order owned by the caller
// DELETE /api/orders/{id}
func (h *TradingHandlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get(AccountHeader)
	if accountID == "" {
		h.writeDomainError(w, domain.ErrMissingAccount)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.log.Info().Str("order_id", order.ID).Str("account_id", accountID).Msg("Order cancelled")
	h.writeJSON(w, http.StatusOK, order)
}

// HandleIngestTick feeds one raw provider payload into the pipeline
// POST /api/market/ticks?provider=simple
func (h *TradingHandlers) HandleIngestTick(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = h.defaultProvider
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxTickBytes))
	if err != nil || len(payload) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Empty or unreadable tick payload")
		return
	}

	q, accepted := h.service.Ingest(r.Context(), pricefeed.RawTick{
		Provider:   provider,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})

	response := map[string]interface{}{"accepted": accepted}
	if accepted {
		response["quote"] = q
	}
	h.writeJSON(w, http.StatusAccepted, response)
}

// writeDomainError maps pipeline errors to status codes
func (h *TradingHandlers) writeDomainError(w http.ResponseWriter, err error) {
	var inputErr *domain.InputError
	switch {
	case errors.Is(err, domain.ErrUnknownAccount):
		h.writeError(w, http.StatusNotFound, domain.ErrUnknownAccount.Code, domain.ErrUnknownAccount.Message)
	case errors.Is(err, domain.ErrAccountExists):
		h.writeError(w, http.StatusConflict, domain.ErrAccountExists.Code, domain.ErrAccountExists.Message)
	case errors.Is(err, domain.ErrFeatureDisabled):
		h.writeError(w, http.StatusForbidden, domain.ErrFeatureDisabled.Code, domain.ErrFeatureDisabled.Message)
	case errors.As(err, &inputErr):
		h.writeError(w, http.StatusBadRequest, inputErr.Code, inputErr.Message)
	case errors.Is(err, domain.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrOrderAlreadyFilled):
		h.writeError(w, http.StatusConflict, "already_filled", err.Error())
	case errors.Is(err, domain.ErrOrderNotOpen):
		h.writeError(w, http.StatusConflict, "not_open", err.Error())
	case errors.Is(err, domain.ErrAccountFrozen):
		h.writeError(w, http.StatusConflict, "account_frozen", err.Error())
	default:
		h.log.Error().Err(err).Msg("Request failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// writeJSON writes a JSON response
func (h *TradingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *TradingHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
