// Package app builds the engine's object graph from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/archive"
	"github.com/theguild/guild-engine/internal/config"
	"github.com/theguild/guild-engine/internal/feed"
	"github.com/theguild/guild-engine/internal/follow"
	"github.com/theguild/guild-engine/internal/ingest"
	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/notify"
	"github.com/theguild/guild-engine/internal/position"
	"github.com/theguild/guild-engine/internal/store"
)

// Dependencies is everything the binaries need, built by Wire.
type Dependencies struct {
	Store     store.Store
	Redis     *redis.Client // nil when not configured
	Hub       *notify.WSHub
	Events    *notify.RedisPublisher // nil when Redis is not configured
	Notifier  notify.Notifier
	Ledger    *ledger.Ledger
	Positions *position.Engine
	Follows   *follow.Service
	Pipeline  *ingest.Pipeline
	Scheduler *ingest.Scheduler
}

// Wire constructs the dependencies and returns a cleanup func that releases
// connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	deps := &Dependencies{}

	// --- Store ---
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		closers = append(closers, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Storage.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
		}
		deps.Store = pg
		logger.Info("connected to PostgreSQL")
	case "sqlite":
		sq, err := store.NewSQLiteStorage(cfg.Storage.DSN)
		if err != nil {
			return fail(fmt.Errorf("open sqlite: %w", err))
		}
		closers = append(closers, func() { sq.Close() })
		deps.Store = sq
		logger.Info("opened SQLite store", slog.String("path", cfg.Storage.DSN))
	default:
		logger.Warn("using in-memory store (data will not persist)")
		deps.Store = store.NewMemoryStore()
	}

	// --- Redis: cache, pub/sub and the ingest lock ---
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("invalid redis url: %w", err))
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		deps.Redis = rdb
		if cfg.Storage.Driver != "memory" {
			deps.Store = store.NewCachedStore(deps.Store, rdb, cfg.Storage.CacheTTL)
			logger.Info("Redis cache enabled", slog.Duration("ttl", cfg.Storage.CacheTTL))
		}
	}

	// --- Notifications ---
	// With Redis every replica publishes and each relays the channel into its
	// own hub, so a client sees events regardless of which replica produced them.
	deps.Hub = notify.NewWSHub()
	deps.Notifier = deps.Hub
	if deps.Redis != nil {
		deps.Events = notify.NewRedisPublisher(deps.Redis, cfg.Notify.RedisChannel, logger)
		deps.Notifier = deps.Events
	}

	// --- Core services ---
	deps.Ledger = ledger.New(deps.Store, cfg.Ledger.StartingBankroll)
	deps.Positions = position.NewEngine(deps.Store, deps.Ledger, deps.Notifier, logger)
	deps.Follows = follow.NewService(deps.Store, deps.Ledger, logger)

	// --- Ingestion ---
	client := feed.NewClient(feed.Options{
		BaseURL:    cfg.Feed.BaseURL,
		Timeout:    cfg.Feed.Timeout,
		RatePerSec: cfg.Feed.RatePerSec,
	})
	opts := []ingest.Option{ingest.WithNotifier(deps.Notifier), ingest.WithLogger(logger)}
	if cfg.Archive.Enabled {
		arch, err := archive.NewS3Archiver(ctx, archive.Options{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail(err)
		}
		opts = append(opts, ingest.WithArchiver(arch))
		logger.Info("feed archiving enabled", slog.String("bucket", cfg.Archive.Bucket))
	}
	deps.Pipeline = ingest.New(deps.Store, client, ingest.Config{
		TradeLimit:     cfg.Feed.TradeLimit,
		MinSignalValue: decimal.NewNullDecimal(cfg.Ingest.MinSignalValue),
		MarketBaseURL:  cfg.Ingest.MarketBaseURL,
	}, opts...)

	var locker ingest.Locker
	if deps.Redis != nil {
		locker = ingest.NewRedisLocker(deps.Redis)
	}
	deps.Scheduler = ingest.NewScheduler(deps.Pipeline, locker, cfg.Ingest.LockTTL, logger)

	return deps, cleanup, nil
}
