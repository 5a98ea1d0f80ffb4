package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/config"
	"github.com/aristath/tradecore/internal/database"
)

// InitializeDatabases opens the journal database and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// journal.db - write-ahead journal plus account, order and fill projections
	journalDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "journal.db"),
		Profile: database.ProfileLedger,
		Name:    "journal",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal database: %w", err)
	}
	if err := journalDB.Migrate(); err != nil {
		journalDB.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}
	container.JournalDB = journalDB

	log.Info().
		Str("path", journalDB.Path()).
		Str("profile", string(journalDB.Profile())).
		Msg("Journal database initialized")
	return container, nil
}
