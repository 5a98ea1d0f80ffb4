package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	"github.com/aristath/tradecore/internal/modules/execution"
	"github.com/aristath/tradecore/internal/modules/ledger"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/risk"
	"github.com/aristath/tradecore/internal/modules/trading"
)

type allFeatures struct{}

func (allFeatures) HasFeature(context.Context, string, string) bool { return true }

type stack struct {
	svc *trading.TradingService
	bus *broadcast.Broadcaster
	at  time.Time
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := broadcast.New(1024, log)
	feed := pricefeed.NewFeed(log)
	guard := risk.NewGuard(risk.Config{VolatilityWindow: 20}, feed, bus, log)
	sim := execution.NewSimulator(execution.Config{}, log)
	led := ledger.New(nil, bus, log)
	svc := trading.NewTradingService(trading.Config{}, feed, guard, sim, led, bus, allFeatures{}, log)
	bus.SetBaseline(svc)

	_, err := svc.OpenAccount(context.Background(), "bot", decimal.NewFromInt(100000))
	require.NoError(t, err)
	return &stack{svc: svc, bus: bus, at: time.Now().UTC()}
}

func (s *stack) ticks(t *testing.T, symbol string, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		s.at = s.at.Add(time.Second)
		payload := fmt.Sprintf(`{"symbol":%q,"price":"%g","ts":%d}`, symbol, p, s.at.UnixMilli())
		_, ok := s.svc.Ingest(context.Background(), pricefeed.RawTick{
			Provider:   pricefeed.ProviderSimple,
			Payload:    []byte(payload),
			ReceivedAt: s.at,
		})
		require.True(t, ok)
	}
}

func (s *stack) held(t *testing.T, symbol string) decimal.Decimal {
	t.Helper()
	snap, err := s.svc.Snapshot("bot")
	require.NoError(t, err)
	return snap.Holdings()[symbol]
}

func testConfig() Config {
	return Config{
		AccountID:  "bot",
		Symbols:    []string{"AAPL"},
		FastWindow: 2,
		SlowWindow: 3,
		Quantity:   decimal.NewFromInt(10),
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"no account":      func(c *Config) { c.AccountID = "" },
		"no symbols":      func(c *Config) { c.Symbols = nil },
		"fast not faster": func(c *Config) { c.FastWindow = 3 },
		"zero fast":       func(c *Config) { c.FastWindow = 0 },
		"zero quantity":   func(c *Config) { c.Quantity = decimal.Zero },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestObserve_Crossovers(t *testing.T) {
	r, err := NewRunner(testConfig(), nil, nil, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)

	quote := func(p int64) domain.Quote {
		return domain.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(p), Timestamp: time.Now()}
	}

	for _, p := range []int64{10, 10, 10, 10} {
		_, ok := r.observe(quote(p))
		assert.False(t, ok, "flat prices never cross")
	}

	sig, ok := r.observe(quote(12))
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, sig.Side)
	assert.InDelta(t, 11.0, sig.Fast, 1e-9)
	assert.InDelta(t, 32.0/3, sig.Slow, 1e-9)

	r.holdings["AAPL"] = decimal.NewFromInt(10)
	for _, p := range []int64{12, 12} {
		_, ok := r.observe(quote(p))
		assert.False(t, ok)
	}

	sig, ok = r.observe(quote(8))
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, sig.Side)

	r.holdings["AAPL"] = decimal.Zero
	_, ok = r.observe(quote(4))
	assert.False(t, ok, "nothing to sell when flat")
}

func TestRunner_TradesCrossovers(t *testing.T) {
	s := newStack(t)
	r, err := NewRunner(testConfig(), s.bus, s.svc, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	s.ticks(t, "AAPL", 10, 10, 10, 10, 12)
	require.Eventually(t, func() bool {
		return s.held(t, "AAPL").Equal(decimal.NewFromInt(10))
	}, 2*time.Second, 5*time.Millisecond)

	s.ticks(t, "AAPL", 12, 12, 8)
	require.Eventually(t, func() bool {
		return s.held(t, "AAPL").IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, r.Submitted())

	orders, err := s.svc.Orders("bot")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, domain.SourceStrategy, o.Source)
		assert.Equal(t, domain.StatusFilled, o.Status)
	}
}

func TestRunner_StopsOnBroadcasterShutdown(t *testing.T) {
	s := newStack(t)
	r, err := NewRunner(testConfig(), s.bus, s.svc, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	s.bus.Close()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after shutdown")
	}
}

func TestRunner_StartFailsOnBadTopic(t *testing.T) {
	s := newStack(t)
	cfg := testConfig()
	cfg.Symbols = []string{"AAPL", ""}
	r, err := NewRunner(cfg, s.bus, s.svc, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)

	assert.Error(t, r.Start(context.Background()))
	assert.Zero(t, s.bus.Stats().Subscribers, "partial subscriptions are released")
}
