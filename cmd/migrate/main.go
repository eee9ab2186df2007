package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/database"
	"github.com/AnuragDani/payment-gateway/internal/logger"
)

func main() {
	log := logger.New("migrate")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		log.Fatal("failed to connect to database", "url", config.MaskConnectionString(cfg.DatabaseURL), "error", err)
	}
	defer db.Close()

	m, err := database.NewMigrator(db)
	if err != nil {
		log.Fatal("failed to initialise migrator", "error", err)
	}

	if err := run(m, command, os.Args[2:]); err != nil {
		log.Fatal("migration failed", "command", command, "error", err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("no migrations applied")
	case err != nil:
		log.Fatal("failed to read migration version", "error", err)
	default:
		log.Info("schema version", "version", version, "dirty", dirty)
	}
}

func run(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		return ignoreNoChange(m.Up())

	case "down":
		// Roll back the last migration only
		return ignoreNoChange(m.Steps(-1))

	case "goto":
		if len(args) < 1 {
			return errors.New("goto requires a version number")
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return ignoreNoChange(m.Migrate(uint(version)))

	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return m.Force(version)

	case "status":
		return nil

	default:
		printUsage()
		os.Exit(1)
	}
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up        - apply all pending migrations")
	fmt.Println("  down      - roll back the last migration")
	fmt.Println("  goto N    - migrate to version N")
	fmt.Println("  force N   - set version N without running migrations (clears dirty state)")
	fmt.Println("  status    - print the current version")
}
