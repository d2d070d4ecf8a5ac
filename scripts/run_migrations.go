package main

import (
	"os"

	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/logging"
	"github.com/safar/candy-planet/migrations"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), true)

	if len(os.Args) < 2 {
		logger.Fatal().Msg("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := migrations.Direction(os.Args[1])
	if direction != migrations.Up && direction != migrations.Down {
		logger.Fatal().Msg("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Load config")
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Connect to database")
	}
	defer db.Close()

	applied, err := migrations.Run(db, direction)
	if err != nil {
		logger.Fatal().Err(err).Msg("Run migrations")
	}

	for _, name := range applied {
		logger.Info().Str("file", name).Msg("Ran migration")
	}
	logger.Info().Msgf("Successfully ran %d migration(s) %s", len(applied), direction)
}
