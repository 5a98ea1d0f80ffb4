// Package main is the entry point for tradecore, a paper-trading core that
// admits orders through risk checks, simulates fills against live quotes and
// streams consistent portfolio state to subscribers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tradecore/internal/config"
	"github.com/aristath/tradecore/internal/di"
	"github.com/aristath/tradecore/internal/server"
	"github.com/aristath/tradecore/pkg/logger"
)

// main loads configuration, wires the container (which replays the journal),
// starts the HTTP server and background work, then blocks until SIGINT or
// SIGTERM and shuts everything down in reverse order.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting tradecore")

	// Replays the journal before anything can publish or trade
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:                log,
		Port:               cfg.Port,
		DevMode:            cfg.DevMode,
		Container:          container,
		DefaultInitialCash: cfg.DefaultInitialCash,
		DefaultProvider:    cfg.Market.Provider,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container.Scheduler.Start()

	streamDone := make(chan struct{})
	if container.MarketStream != nil {
		go func() {
			defer close(streamDone)
			if err := container.MarketStream.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Market data stream failed")
			}
		}()
		log.Info().Str("url", cfg.Market.StreamURL).Msg("Market data stream started")
	} else {
		close(streamDone)
	}

	if container.Strategy != nil {
		if err := container.Strategy.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start strategy")
		}
		log.Info().Str("account_id", cfg.Strategy.AccountID).Msg("Strategy started")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	if container.Strategy != nil {
		container.Strategy.Stop()
		log.Info().Msg("Strategy stopped")
	}

	cancel()
	<-streamDone

	container.Scheduler.Stop()

	// Subscribers receive a shutdown notice before their connections close
	container.Broadcaster.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
