// Command ingest runs one ingestion pass and prints a per-master summary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/theguild/guild-engine/internal/app"
	"github.com/theguild/guild-engine/internal/config"
	"github.com/theguild/guild-engine/internal/ingest"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout carries only the summary.
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}
	defer cleanup()

	report, err := deps.Scheduler.RunOnce(ctx)
	if err != nil {
		logger.Error("ingest run failed", "err", err)
		return 1
	}
	ingest.WriteSummary(os.Stdout, report)
	if report.Failed > 0 {
		return 2
	}
	return 0
}
