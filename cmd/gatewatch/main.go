// Gatewatch pipeline daemon — polls the killmail stream, enriches and stores
// kills, detects gatecamps, and delivers webhook alerts. Serves the control
// and health API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	// Quiet-hours zone lookups must work on images without a tzdata package.
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/evetactical/gatewatch/pkg/api"
	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/pipeline"
	"github.com/evetactical/gatewatch/pkg/refdata"
	"github.com/evetactical/gatewatch/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Parse command-line flags
	instanceDir := flag.String("instance",
		getEnv("GATEWATCH_INSTANCE", "."),
		"Directory inside the gatewatch instance; the root is found by walking up to gatewatch.yaml")
	flag.Parse()

	// Load .env before the logger so GATEWATCH_LOG_LEVEL can come from it.
	// A missing file is the normal case.
	envPath := filepath.Join(*instanceDir, ".env")
	envLoaded := godotenv.Load(envPath) == nil

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("GATEWATCH_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	if envLoaded {
		slog.Info("Loaded environment", "path", envPath)
	}
	slog.Info("Starting gatewatch",
		"version", version.Full(),
		"instance_dir", *instanceDir)

	ctx := context.Background()

	// 1. Resolve the instance root and load configuration
	cfg, err := config.Initialize(ctx, *instanceDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// 2. Load reference tables (embedded unless the instance carries an export)
	var tables *refdata.Tables
	if cfg.RefDataPath != "" {
		tables, err = refdata.LoadFile(cfg.RefDataPath)
	} else {
		tables, err = refdata.Load()
	}
	if err != nil {
		slog.Error("Failed to load reference tables", "error", err)
		os.Exit(1)
	}
	slog.Info("Reference tables loaded", "systems", tables.SystemCount())

	// 3. Open the event store. Migrations run here; the writer lock rejects a
	// second gatewatch process on the same instance.
	store, err := database.NewClient(ctx, database.Options{
		Path:             cfg.StorePath(),
		KillRetention:    cfg.Retention.Kills,
		FindingRetention: cfg.Retention.Findings,
		AlertRetention:   cfg.Retention.Alerts,
	})
	if err != nil {
		slog.Error("Failed to open event store", "path", cfg.StorePath(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing event store", "error", err)
		}
	}()

	// 4. Build and start the pipeline
	orch := pipeline.New(pipeline.Options{
		Config: cfg,
		Store:  store,
		Tables: tables,
		Logger: logger,
	})
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// 5. Start the control API (non-blocking)
	httpServer := api.NewServer(api.Options{
		Addr:     cfg.ListenAddr,
		Pipeline: orch,
		Logger:   logger,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Gatewatch started",
		"queue_id", cfg.QueueID,
		"listen_addr", cfg.ListenAddr)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: pipeline first so the API keeps answering status
	// during the drain, HTTP server last. The budget covers the fetcher and
	// dispatcher drain deadlines with margin.
	stopCtx, stopCancel := context.WithTimeout(ctx, 30*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		slog.Error("Pipeline stop error", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
