package di

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
//
// Steps run in order: databases, services (including journal recovery),
// jobs. If any step fails everything opened so far is closed.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, err
	}

	// Step 2: Initialize services and replay the journal
	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, err
	}

	// Step 3: Register background jobs
	if err := RegisterJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, err
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}
