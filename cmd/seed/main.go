// Command seed applies a YAML pipeline definition file to the configured
// store without starting the API server. Useful for provisioning a fresh
// database or migrating definitions in CI.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/freeflowhq/stageflow/internal/config"
	"github.com/freeflowhq/stageflow/internal/definitions"
	"github.com/freeflowhq/stageflow/internal/storage"
	"github.com/freeflowhq/stageflow/internal/storage/postgres"
	"github.com/freeflowhq/stageflow/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	defsPath := flag.String("definitions", "", "pipeline definition file (overrides config)")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	path := cfg.Definitions.Path
	if *defsPath != "" {
		path = *defsPath
	}
	if path == "" {
		log.Fatal("No definitions file: set -definitions or definitions.path in config")
	}

	ctx := context.Background()

	var store storage.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err = sqlite.New(cfg.Storage.Path)
	case "postgres":
		store, err = postgres.New(ctx, cfg.Storage.DSN)
	default:
		log.Fatalf("Seeding requires a persistent store, not %q", cfg.Storage.Driver)
	}
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	loader, err := definitions.NewLoader(path, store, logger)
	if err != nil {
		log.Fatalf("Failed to create loader: %v", err)
	}
	if err := loader.Load(ctx); err != nil {
		log.Fatalf("Failed to apply definitions: %v", err)
	}

	logger.Info("definitions applied", slog.String("path", path), slog.String("driver", cfg.Storage.Driver))
}
