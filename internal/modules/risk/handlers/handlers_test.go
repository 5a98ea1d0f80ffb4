package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/modules/risk"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func setupRouter(t *testing.T) (*chi.Mux, *risk.Guard) {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	guard := risk.NewGuard(risk.Config{
		VolatilityWindow:     5,
		ElevatedVolatility:   0.02,
		HaltVolatility:       0.05,
		HaltCooldown:         time.Minute,
		MaxOrderNotional:     decimal.NewFromInt(1000),
		RejectStormThreshold: 3,
		RejectStormWindow:    time.Minute,
		AccountCooldown:      30 * time.Second,
	}, nil, nil, log)

	h := NewHandler(guard, log)
	h.now = func() time.Time { return t0.Add(10 * time.Second) }

	router := chi.NewRouter()
	router.Route("/api", h.RegisterRoutes)
	return router, guard
}

func get(t *testing.T, router http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func observe(guard *risk.Guard, symbol string, prices ...int64) {
	for i, p := range prices {
		at := t0.Add(time.Duration(i) * time.Second)
		guard.ObserveQuote(domain.Quote{
			Symbol:    symbol,
			Price:     decimal.NewFromInt(p),
			Timestamp: at,
		}, at)
	}
}

func TestHandleListSymbols(t *testing.T) {
	router, guard := setupRouter(t)
	observe(guard, "MSFT", 100, 100, 100)
	observe(guard, "AAPL", 100, 100, 100, 110)

	w, body := get(t, router, "/api/risk/symbols")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(1), body["halted"])

	symbols := body["symbols"].([]interface{})
	first := symbols[0].(map[string]interface{})
	assert.Equal(t, "AAPL", first["symbol"])
	assert.Equal(t, "HALTED", first["regime"])
}

func TestHandleGetSymbol(t *testing.T) {
	router, guard := setupRouter(t)
	observe(guard, "AAPL", 100, 100, 100)

	w, body := get(t, router, "/api/risk/symbols/aapl")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AAPL", body["symbol"])
	assert.Equal(t, "NORMAL", body["regime"])

	w, body = get(t, router, "/api/risk/symbols/TSLA")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
	assert.Len(t, guard.Symbols(), 1, "lookups do not create state")
}

func TestHandleGetAccount(t *testing.T) {
	router, guard := setupRouter(t)
	for i := 0; i < 3; i++ {
		guard.RecordRejection("acc-1", t0.Add(time.Duration(i)*time.Second))
	}

	w, body := get(t, router, "/api/risk/accounts/acc-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acc-1", body["account_id"])
	cooldown, err := time.Parse(time.RFC3339, body["cooldown_until"].(string))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(32*time.Second), cooldown.UTC())
}

func TestHandleGetLimits(t *testing.T) {
	router, _ := setupRouter(t)

	w, body := get(t, router, "/api/risk/limits")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", body["max_order_notional"])
	assert.Equal(t, "1m0s", body["halt_cooldown"])
	assert.Equal(t, float64(5), body["volatility_window"])
}
