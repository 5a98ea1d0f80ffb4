package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/clients/billing"
	"github.com/aristath/tradecore/internal/config"
	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	"github.com/aristath/tradecore/internal/modules/execution"
	"github.com/aristath/tradecore/internal/modules/journal"
	"github.com/aristath/tradecore/internal/modules/ledger"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/risk"
	"github.com/aristath/tradecore/internal/modules/strategy"
	"github.com/aristath/tradecore/internal/modules/trading"
	"github.com/aristath/tradecore/internal/reliability"
)

// InitializeServices builds the order pipeline around the journal and
// replays the journal into it.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.JournalRepo = journal.NewRepository(container.JournalDB, log)

	container.Broadcaster = broadcast.New(cfg.BroadcastQueueSize, log)
	container.PriceFeed = pricefeed.NewFeed(log)
	container.RiskGuard = risk.NewGuard(cfg.Risk, container.PriceFeed, container.Broadcaster, log)
	container.Simulator = execution.NewSimulator(executionConfig(cfg.Execution), log)
	container.Ledger = ledger.New(container.JournalRepo, container.Broadcaster, log)
	container.Features = featureChecker(cfg.Billing, log)

	container.TradingService = trading.NewTradingService(
		trading.Config{Universe: cfg.Symbols},
		container.PriceFeed,
		container.RiskGuard,
		container.Simulator,
		container.Ledger,
		container.Broadcaster,
		container.Features,
		log,
	)
	container.Broadcaster.SetBaseline(container.TradingService)

	records, err := container.JournalRepo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}
	if err := container.TradingService.Recover(ctx, records); err != nil {
		return fmt.Errorf("failed to recover from journal: %w", err)
	}

	if cfg.Market.StreamURL != "" {
		container.MarketStream = pricefeed.NewStream(cfg.Market.StreamURL, cfg.Market.Provider, container.TradingService, log)
	}

	if cfg.Archive.Enabled() {
		store, err := reliability.NewS3Store(ctx, reliability.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize archive store: %w", err)
		}
		container.ArchiveService = reliability.NewArchiveService(container.JournalDB, store, cfg.Archive.Prefix, cfg.DataDir, log)
	}

	if cfg.Strategy.Enabled() {
		runner, err := newStrategy(ctx, container, cfg.Strategy, log)
		if err != nil {
			return err
		}
		container.Strategy = runner
	}

	log.Info().
		Int("records", len(records)).
		Strs("symbols", cfg.Symbols).
		Bool("market_stream", container.MarketStream != nil).
		Bool("archive", container.ArchiveService != nil).
		Bool("strategy", container.Strategy != nil).
		Msg("Services initialized")
	return nil
}

func executionConfig(cfg config.ExecutionConfig) execution.Config {
	var out execution.Config
	if cfg.SlippageBpsPerUnit.IsPositive() {
		out.Slippage = execution.LinearSlippage{BpsPerUnit: cfg.SlippageBpsPerUnit, MaxBps: cfg.SlippageMaxBps}
	}
	if cfg.MaxFillQuantity.IsPositive() {
		out.Liquidity = execution.FixedLiquidity{MaxQuantity: cfg.MaxFillQuantity}
	}
	if cfg.FeeRate.IsPositive() || cfg.FeeMin.IsPositive() {
		out.Fees = execution.RateFee{Rate: cfg.FeeRate, Min: cfg.FeeMin}
	}
	return out
}

// featureChecker prefers the billing service, then the static grant list.
// With neither configured every account is entitled.
func featureChecker(cfg config.BillingConfig, log zerolog.Logger) trading.FeatureChecker {
	switch {
	case cfg.ServiceURL != "":
		return billing.NewClient(cfg.ServiceURL, cfg.CacheTTL, log)
	case strings.TrimSpace(cfg.StaticFeatures) != "":
		return billing.NewStaticChecker(billing.ParseStaticGrants(cfg.StaticFeatures))
	default:
		return nil
	}
}

// newStrategy opens the strategy account on first start and builds its runner
func newStrategy(ctx context.Context, container *Container, cfg config.StrategyConfig, log zerolog.Logger) (*strategy.Runner, error) {
	if !container.Ledger.Exists(cfg.AccountID) {
		if _, err := container.TradingService.OpenAccount(ctx, cfg.AccountID, cfg.InitialCash); err != nil && !errors.Is(err, domain.ErrAccountExists) {
			return nil, fmt.Errorf("failed to open strategy account: %w", err)
		}
	}
	runner, err := strategy.NewRunner(strategy.Config{
		AccountID:  cfg.AccountID,
		Symbols:    cfg.Symbols,
		FastWindow: cfg.FastWindow,
		SlowWindow: cfg.SlowWindow,
		Quantity:   cfg.Quantity,
	}, container.Broadcaster, container.TradingService, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy: %w", err)
	}
	return runner, nil
}

// startupTimeout bounds journal replay and remote client setup
const startupTimeout = time.Minute
