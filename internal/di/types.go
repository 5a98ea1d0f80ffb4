// Package di provides dependency injection type definitions.
package di

import (
	"github.com/aristath/tradecore/internal/database"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	"github.com/aristath/tradecore/internal/modules/execution"
	"github.com/aristath/tradecore/internal/modules/journal"
	"github.com/aristath/tradecore/internal/modules/ledger"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/risk"
	"github.com/aristath/tradecore/internal/modules/strategy"
	"github.com/aristath/tradecore/internal/modules/trading"
	"github.com/aristath/tradecore/internal/reliability"
	"github.com/aristath/tradecore/internal/scheduler"
)

// Container holds all dependencies for the application.
//
// It is created by Wire() and passed to the server and main for access to
// services. Optional components are nil when their configuration is absent.
type Container struct {
	// Databases
	JournalDB *database.DB

	// Repositories
	JournalRepo *journal.Repository

	// Pipeline
	Broadcaster    *broadcast.Broadcaster
	PriceFeed      *pricefeed.Feed
	RiskGuard      *risk.Guard
	Simulator      *execution.Simulator
	Ledger         *ledger.Ledger
	TradingService *trading.TradingService
	Features       trading.FeatureChecker

	// Background work
	Scheduler      *scheduler.Scheduler
	ArchiveService *reliability.ArchiveService // nil unless ARCHIVE_S3_BUCKET is set
	MarketStream   *pricefeed.Stream           // nil unless MARKET_DATA_WS_URL is set
	Strategy       *strategy.Runner            // nil unless STRATEGY_ACCOUNT_ID is set
}

// Close releases every resource held by the container
func (c *Container) Close() error {
	if c.Broadcaster != nil {
		c.Broadcaster.Close()
	}
	if c.JournalDB != nil {
		return c.JournalDB.Close()
	}
	return nil
}
