package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"leakbridge/internal/api"
	"leakbridge/internal/clock"
	"leakbridge/internal/config"
	"leakbridge/internal/dispatcher"
	"leakbridge/internal/ha"
	"leakbridge/internal/monitor"
	"leakbridge/internal/setup"
	"leakbridge/internal/status"
	"leakbridge/internal/storage/sqlite"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	configPath := envOr("CONFIG_FILE", "leakbridge.yaml")
	dbPath := envOr("DB_PATH", "leakbridge.db")
	apiPort, err := strconv.Atoi(envOr("API_PORT", "8080"))
	if err != nil {
		logger.Fatal("API_PORT must be a number", zap.Error(err))
	}

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	logger.Info("Starting leakbridge",
		zap.String("ha_url", haURL),
		zap.String("config", configPath),
		zap.String("db", dbPath))

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		logger.Fatal("Failed to open entry store", zap.Error(err))
	}
	defer store.Close()

	// Connect to Home Assistant
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	clk := clock.NewRealClock()
	disp := dispatcher.New()
	board := status.NewBoard(disp, logger)
	registry := monitor.NewRegistry()

	manager := setup.NewManager(client, store, registry, disp, board, clk, logger)
	if err := manager.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore stored monitors", zap.Error(err))
	}
	if err := manager.Apply(ctx, cfg.Monitors); err != nil {
		// Failures here are per-declaration; the monitors that did come up
		// keep running.
		logger.Error("Some monitors failed to set up", zap.Error(err))
	}

	logger.Info("Monitors running", zap.Int("count", registry.Len()))

	server := api.NewServer(registry, board, logger, apiPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	registry.StopAll()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
