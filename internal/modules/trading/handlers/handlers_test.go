package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/modules/execution"
	"github.com/aristath/tradecore/internal/modules/ledger"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/risk"
	"github.com/aristath/tradecore/internal/modules/trading"
)

func newTestRouter(t *testing.T, riskCfg risk.Config) http.Handler {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	feed := pricefeed.NewFeed(log)
	guard := risk.NewGuard(riskCfg, feed, nil, log)
	sim := execution.NewSimulator(execution.Config{}, log)
	led := ledger.New(nil, nil, log)
	svc := trading.NewTradingService(trading.Config{}, feed, guard, sim, led, nil, nil, log)

	h := NewTradingHandlers(svc, decimal.NewFromInt(10000), "", log)
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func do(t *testing.T, router http.Handler, method, path, account, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sendTick(t *testing.T, router http.Handler, price string, at time.Time) {
	t.Helper()
	body := `{"symbol":"AAPL","price":"` + price + `","ts":` + itoa(at.UnixMilli()) + `}`
	rec := do(t, router, http.MethodPost, "/api/market/ticks?provider=simple", "", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decode(t, rec)["accepted"])
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}

func TestHandleOpenAccount(t *testing.T) {
	router := newTestRouter(t, risk.Config{})

	rec := do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"acc","initial_cash":"2500.50"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2500.5", decode(t, rec)["cash"])

	rec = do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"acc"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "input_account_exists", decode(t, rec)["error"])

	rec = do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"dflt"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "10000", decode(t, rec)["cash"])

	rec = do(t, router, http.MethodPost, "/api/accounts", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/accounts/ghost/snapshot", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "input_unknown_account", decode(t, rec)["error"])
}

func TestHandleSubmitOrder(t *testing.T) {
	router := newTestRouter(t, risk.Config{})
	do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"acc"}`)
	sendTick(t, router, "150", time.Now())

	order := `{"request_id":"r1","symbol":"aapl","side":"buy","type":"market","quantity":"10"}`

	rec := do(t, router, http.MethodPost, "/api/orders", "", order)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "input_missing_account", decode(t, rec)["error"])

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", order)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "filled", body["status"])
	orderID := body["order_id"].(string)

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", order)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["duplicate"])

	rec = do(t, router, http.MethodGet, "/api/accounts/acc/snapshot", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8500", decode(t, rec)["cash"])

	rec = do(t, router, http.MethodGet, "/api/orders/"+orderID, "other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", `{"account_id":"other","request_id":"r2","symbol":"AAPL","side":"BUY","quantity":"1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", `{"request_id":"r3","symbol":"AAPL","side":"BUY","type":"limit","quantity":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "input_missing_price", decode(t, rec)["error"])
}

func TestHandleSubmitOrder_Throttled(t *testing.T) {
	router := newTestRouter(t, risk.Config{VolatilityWindow: 20, MaxOrdersPerWindow: 1, RateWindow: time.Hour})
	do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"acc"}`)
	sendTick(t, router, "10", time.Now())

	rec := do(t, router, http.MethodPost, "/api/orders", "acc", `{"request_id":"r1","symbol":"AAPL","side":"BUY","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", `{"request_id":"r2","symbol":"AAPL","side":"BUY","quantity":"1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "risk_rate_limited", decode(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandleCancelOrder(t *testing.T) {
	router := newTestRouter(t, risk.Config{})
	do(t, router, http.MethodPost, "/api/accounts", "", `{"account_id":"acc"}`)
	sendTick(t, router, "100", time.Now())

	rec := do(t, router, http.MethodPost, "/api/orders", "acc", `{"request_id":"lim","symbol":"AAPL","side":"BUY","type":"limit","limit_price":"90","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resting := decode(t, rec)
	assert.Equal(t, "admitted", resting["status"])

	rec = do(t, router, http.MethodDelete, "/api/orders/"+resting["order_id"].(string), "acc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	rec = do(t, router, http.MethodDelete, "/api/orders/"+resting["order_id"].(string), "acc", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_open", decode(t, rec)["error"])

	rec = do(t, router, http.MethodPost, "/api/orders", "acc", `{"request_id":"mkt","symbol":"AAPL","side":"BUY","quantity":"1"}`)
	filled := decode(t, rec)
	rec = do(t, router, http.MethodDelete, "/api/orders/"+filled["order_id"].(string), "acc", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_filled", decode(t, rec)["error"])

	rec = do(t, router, http.MethodGet, "/api/accounts/acc/orders?status=cancelled", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestHandleIngestTick(t *testing.T) {
	router := newTestRouter(t, risk.Config{})
	at := time.Now()
	sendTick(t, router, "100", at)

	// Same timestamp again is a duplicate
	rec := do(t, router, http.MethodPost, "/api/market/ticks", "", `{"symbol":"AAPL","price":"101","ts":`+itoa(at.UnixMilli())+`}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, false, decode(t, rec)["accepted"])

	rec = do(t, router, http.MethodPost, "/api/market/ticks?provider=compact", "", `{"S":"AAPL","p":102,"t":"`+at.Add(time.Second).UTC().Format(time.RFC3339)+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decode(t, rec)["accepted"])

	rec = do(t, router, http.MethodPost, "/api/market/ticks?provider=nope", "", `{}`)
	assert.Equal(t, false, decode(t, rec)["accepted"])

	rec = do(t, router, http.MethodPost, "/api/market/ticks", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
