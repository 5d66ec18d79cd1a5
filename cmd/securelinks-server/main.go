// Package main is the entry point for the signed media link server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/securelinks/internal/config"
	"github.com/unklstewy/securelinks/internal/coordinators"
	"github.com/unklstewy/securelinks/internal/logging"
	"github.com/unklstewy/securelinks/pkg/api"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	storage := flag.String("storage", "", "Storage backend (postgres, memory); overrides config")
	flag.Parse()

	if err := run(*configPath, *logLevel, *storage); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logLevel, storage string) error {
	// Flags override file and environment values.
	if logLevel != "" {
		_ = os.Setenv(config.EnvPrefix+"_LOGGING_LEVEL", logLevel)
	}
	if storage != "" {
		_ = os.Setenv(config.EnvPrefix+"_DATABASE_STORAGE", storage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting securelinks server",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("storage", cfg.Database.Storage),
		zap.String("assets", cfg.Assets.Backend),
		zap.Bool("admin_api", cfg.Admin.Enabled()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var service api.Service
	service, err = coordinators.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server running, press Ctrl+C to stop")
	sig := <-sigChan
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
