// Package handlers provides HTTP handlers for risk state inspection.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/modules/risk"
)

// Handler handles risk state HTTP requests
type Handler struct {
	guard *risk.Guard
	now   func() time.Time
	log   zerolog.Logger
}

// NewHandler creates a new risk handler
func NewHandler(guard *risk.Guard, log zerolog.Logger) *Handler {
	return &Handler{
		guard: guard,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.With().Str("handler", "risk").Logger(),
	}
}

// limitsResponse is the wire form of risk.Config
type limitsResponse struct {
	VolatilityWindow       int     `json:"volatility_window"`
	ElevatedVolatility     float64 `json:"elevated_volatility"`
	HaltVolatility         float64 `json:"halt_volatility"`
	HaltCooldown           string  `json:"halt_cooldown"`
	ElevatedNotionalFactor string  `json:"elevated_notional_factor"`
	MaxOrderNotional       string  `json:"max_order_notional"`
	MaxAccountNotional     string  `json:"max_account_notional"`
	MaxDailyNotional       string  `json:"max_daily_notional"`
	MaxOrdersPerWindow     int     `json:"max_orders_per_window"`
	RateWindow             string  `json:"rate_window"`
	RejectStormThreshold   int     `json:"reject_storm_threshold"`
	RejectStormWindow      string  `json:"reject_storm_window"`
	AccountCooldown        string  `json:"account_cooldown"`
}

// HandleGetLimits handles GET /api/risk/limits
func (h *Handler) HandleGetLimits(w http.ResponseWriter, r *http.Request) {
	cfg := h.guard.Config()
	h.writeJSON(w, http.StatusOK, limitsResponse{
		VolatilityWindow:       cfg.VolatilityWindow,
		ElevatedVolatility:     cfg.ElevatedVolatility,
		HaltVolatility:         cfg.HaltVolatility,
		HaltCooldown:           cfg.HaltCooldown.String(),
		ElevatedNotionalFactor: cfg.ElevatedNotionalFactor.String(),
		MaxOrderNotional:       cfg.MaxOrderNotional.String(),
		MaxAccountNotional:     cfg.MaxAccountNotional.String(),
		MaxDailyNotional:       cfg.MaxDailyNotional.String(),
		MaxOrdersPerWindow:     cfg.MaxOrdersPerWindow,
		RateWindow:             cfg.RateWindow.String(),
		RejectStormThreshold:   cfg.RejectStormThreshold,
		RejectStormWindow:      cfg.RejectStormWindow.String(),
		AccountCooldown:        cfg.AccountCooldown.String(),
	})
}

// HandleListSymbols handles GET /api/risk/symbols
func (h *Handler) HandleListSymbols(w http.ResponseWriter, r *http.Request) {
	states := h.guard.Symbols()
	sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })

	halted := 0
	for _, s := range states {
		if s.Regime == risk.RegimeHalted {
			halted++
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": states,
		"count":   len(states),
		"halted":  halted,
	})
}

// HandleGetSymbol handles GET /api/risk/symbols/{symbol}
func (h *Handler) HandleGetSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	state, ok := h.guard.LookupSymbol(symbol)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no risk state for symbol "+symbol)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// HandleGetAccount handles GET /api/risk/accounts/{id}
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, "input_missing_account", "account id is required")
		return
	}
	h.writeJSON(w, http.StatusOK, h.guard.AccountState(accountID, h.now()))
}

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
