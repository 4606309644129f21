package main

import (
	"context"
	"os"
	"strings"

	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/observability"
)

func main() {
	logger := observability.NewLogger("migrate", "info")

	if len(os.Args) < 2 {
		logger.Fatal().Msg("usage: go run scripts/run_migrations.go [up|down] [dir]")
	}

	direction := os.Args[1]
	migrationDir := "migrations"
	if len(os.Args) > 2 {
		migrationDir = os.Args[2]
	}

	cfg, err := config.Load("migrate")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	applied, err := database.Migrate(ctx, db, migrationDir, direction)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	logger.Info().
		Str("direction", direction).
		Int("count", len(applied)).
		Str("files", strings.Join(applied, ",")).
		Msg("migrations applied")
}
