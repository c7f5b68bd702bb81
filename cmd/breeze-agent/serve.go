package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/config"
	"github.com/LanternOps/breeze-sub012/internal/observability"
)

// approvalSweepGrace is added to the approval timeout before the sweeper
// rejects a pending execution.
const approvalSweepGrace = time.Minute

// runServe loads configuration, starts every component and blocks until a
// shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting breeze-agent",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Database.Driver,
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.Agent.Model)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if err := a.watchOverrides(ctx); err != nil {
		logger.Warn("guardrail overrides are not watched", "path", cfg.Guardrails.OverridesFile, "error", err)
	}
	if err := a.sweeper.Start(); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	if err := a.server.Start(); err != nil {
		_ = a.sweeper.Stop(context.Background())
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("breeze-agent started", "addr", a.server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if err := a.server.Stop(shutdownCtx); err != nil {
		shutdownErr = err
	}
	if err := a.sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper stop interrupted", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("shutdown cleanup failed", "error", err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown failed: %w", shutdownErr)
	}
	logger.Info("breeze-agent stopped")
	return nil
}
