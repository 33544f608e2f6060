package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/freeflowhq/stageflow/internal/api"
	"github.com/freeflowhq/stageflow/internal/config"
	"github.com/freeflowhq/stageflow/internal/definitions"
	"github.com/freeflowhq/stageflow/internal/dispatch"
	"github.com/freeflowhq/stageflow/internal/engine"
	"github.com/freeflowhq/stageflow/internal/server"
	"github.com/freeflowhq/stageflow/internal/storage"
	"github.com/freeflowhq/stageflow/internal/storage/memory"
	"github.com/freeflowhq/stageflow/internal/storage/postgres"
	"github.com/freeflowhq/stageflow/internal/storage/sqlite"
	"github.com/freeflowhq/stageflow/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer("stageflow", logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	logger.Info("storage ready", slog.String("driver", cfg.Storage.Driver))

	// Automation dispatch is optional; without an endpoint transitions
	// still commit, they just fire nothing.
	var dispatcher engine.Dispatcher
	if cfg.Automation.Endpoint != "" {
		executor := dispatch.NewWebhookExecutor(cfg.Automation.Endpoint, nil)
		d := dispatch.New(store, executor, logger,
			dispatch.WithWorkers(cfg.Automation.Workers),
			dispatch.WithQueueSize(cfg.Automation.Queue),
		)
		d.Start(ctx)
		defer d.Close()
		dispatcher = d
		logger.Info("automation dispatch enabled", slog.String("endpoint", cfg.Automation.Endpoint))
	}

	if cfg.Definitions.Path != "" {
		loader, err := definitions.NewLoader(cfg.Definitions.Path, store, logger)
		if err != nil {
			log.Fatalf("Failed to create definitions loader: %v", err)
		}
		if err := loader.Load(ctx); err != nil {
			log.Fatalf("Failed to load pipeline definitions: %v", err)
		}
		if cfg.Definitions.Watch {
			if err := loader.Watch(ctx); err != nil {
				log.Fatalf("Failed to watch pipeline definitions: %v", err)
			}
		}
		defer loader.Close()
	}

	executor := engine.New(store, dispatcher, logger)
	handler := api.NewHandler(store, executor, logger)

	srv := server.New(cfg.Server.Port, logger)
	handler.Routes(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return sqlite.New(cfg.Storage.Path)
	case "postgres":
		return postgres.New(ctx, cfg.Storage.DSN)
	default:
		return memory.New(), nil
	}
}
