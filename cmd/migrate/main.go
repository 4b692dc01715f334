package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"EnergyLedger/internal/config"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/persistence"
	"EnergyLedger/migrations"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|version>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  version - print the current schema version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ENERGY_POSTGRES_DSN - Postgres connection string")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}

	migrator, err := persistence.NewMigrator(db, migrations.FS, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init migrator")
	}
	defer migrator.Close()

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			logger.Fatal().Err(err).Msg("read version")
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
