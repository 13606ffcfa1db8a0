package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/internal/server/api"
	"relay/internal/server/config"
	"relay/internal/server/database"
	"relay/internal/server/handoff"
	"relay/internal/server/service"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"base_url", cfg.BaseURL,
		"bucket", cfg.S3Bucket,
		"default_expiry", cfg.DefaultExpiry,
		"purge_interval", cfg.PurgeInterval,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Blob storage handoff
	signer, err := handoff.NewS3Handoff(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object handoff", "error", err)
		os.Exit(1)
	}

	// Repository and lifecycle engine
	repo := database.NewRepository(db)
	engine := service.NewEngine(repo, signer, cfg)

	// Start purge sweeper
	purgeCtx, purgeCancel := context.WithCancel(context.Background())
	purge := service.NewPurgeService(repo, signer, cfg.PurgeInterval)
	purge.Start(purgeCtx)

	// Setup HTTP router
	handler := api.NewHandler(engine, db, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop purge sweeper
	purgeCancel()
	purge.Wait()

	slog.Info("server exited cleanly")
}
