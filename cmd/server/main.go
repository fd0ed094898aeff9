package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theguild/guild-engine/internal/api"
	"github.com/theguild/guild-engine/internal/app"
	"github.com/theguild/guild-engine/internal/config"
	"github.com/theguild/guild-engine/internal/progression"
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

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	var trigger api.IngestTrigger
	if cfg.Ingest.Enabled {
		trigger = deps.Scheduler
	}
	svc := api.NewService(deps.Store, deps.Ledger, deps.Positions, deps.Follows, progression.Default, trigger)
	router := api.NewRouter(svc, api.RouterOptions{
		APIKey: cfg.Server.APIKey,
		WS:     deps.Hub.HandleWS,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deps.Hub.Run(gctx)
		return nil
	})

	if deps.Events != nil {
		g.Go(func() error {
			return deps.Events.Relay(gctx, deps.Hub)
		})
	}

	if cfg.Ingest.Enabled {
		g.Go(func() error {
			return deps.Scheduler.RunLoop(gctx, cfg.Ingest.Interval)
		})
	} else {
		logger.Info("scheduled ingestion disabled")
	}

	g.Go(func() error {
		logger.Info("guild-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down guild-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("guild-engine stopped")
}
