// Package config loads the engine configuration from an optional YAML
// file, a .env file and environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/theguild/guild-engine/internal/feed"
	"github.com/theguild/guild-engine/internal/ingest"
	"github.com/theguild/guild-engine/internal/ledger"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Feed    FeedConfig    `yaml:"feed"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Archive ArchiveConfig `yaml:"archive"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	APIKey          string        `yaml:"api_key"` // empty disables the key check
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"` // memory | postgres | sqlite
	DSN           string        `yaml:"dsn"`
	RedisURL      string        `yaml:"redis_url"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	RunMigrations bool          `yaml:"run_migrations"`
}

type FeedConfig struct {
	BaseURL    string        `yaml:"base_url"`
	TradeLimit int           `yaml:"trade_limit"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type IngestConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MinSignalValue decimal.Decimal `yaml:"min_signal_value"`
	MarketBaseURL  string        `yaml:"market_base_url"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

type LedgerConfig struct {
	StartingBankroll decimal.Decimal `yaml:"starting_bankroll"`
}

// ArchiveConfig controls copying raw feed pages to S3-compatible storage.
type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"` // MinIO, R2, ...
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type NotifyConfig struct {
	RedisChannel string `yaml:"redis_channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Driver:        "memory",
			CacheTTL:      30 * time.Second,
			RunMigrations: true,
		},
		Feed: FeedConfig{
			BaseURL:    feed.DefaultBaseURL,
			TradeLimit: ingest.DefaultTradeLimit,
			Timeout:    10 * time.Second,
			RatePerSec: 5,
		},
		Ingest: IngestConfig{
			Enabled:        true,
			Interval:       5 * time.Minute,
			MinSignalValue: ingest.DefaultMinSignalValue,
			MarketBaseURL:  ingest.DefaultMarketBaseURL,
			LockTTL:        ingest.DefaultLockTTL,
		},
		Ledger: LedgerConfig{StartingBankroll: ledger.DefaultStartingBankroll},
		Archive: ArchiveConfig{
			Prefix: "feed",
			Region: "us-east-1",
		},
		Notify: NotifyConfig{RedisChannel: "guild:events"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. An empty path skips the YAML file.
// The result has not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.APIKey, "GUILD_API_KEY")

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "memory" {
			cfg.Storage.Driver = "postgres"
		}
	}
	setStr(&cfg.Storage.Driver, "GUILD_STORAGE_DRIVER")
	setStr(&cfg.Storage.DSN, "GUILD_STORAGE_DSN")
	setStr(&cfg.Storage.RedisURL, "REDIS_URL")
	setBool(&cfg.Storage.RunMigrations, "GUILD_RUN_MIGRATIONS")

	setStr(&cfg.Feed.BaseURL, "GUILD_FEED_BASE_URL")
	setInt(&cfg.Feed.TradeLimit, "GUILD_FEED_TRADE_LIMIT")
	setFloat(&cfg.Feed.RatePerSec, "GUILD_FEED_RATE_PER_SEC")

	setBool(&cfg.Ingest.Enabled, "GUILD_INGEST_ENABLED")
	setDuration(&cfg.Ingest.Interval, "GUILD_INGEST_INTERVAL")
	setDecimal(&cfg.Ingest.MinSignalValue, "GUILD_INGEST_MIN_SIGNAL_VALUE")

	setDecimal(&cfg.Ledger.StartingBankroll, "GUILD_STARTING_BANKROLL")

	setBool(&cfg.Archive.Enabled, "GUILD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Bucket, "GUILD_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Endpoint, "GUILD_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.AccessKey, "GUILD_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "GUILD_ARCHIVE_SECRET_KEY")

	setStr(&cfg.Notify.RedisChannel, "GUILD_REDIS_CHANNEL")

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, postgres, sqlite", c.Storage.Driver))
	}
	if c.Feed.TradeLimit <= 0 {
		errs = append(errs, errors.New("feed.trade_limit must be positive"))
	}
	if c.Ingest.Enabled && c.Ingest.Interval <= 0 {
		errs = append(errs, errors.New("ingest.interval must be positive"))
	}
	if c.Ingest.MinSignalValue.IsNegative() {
		errs = append(errs, errors.New("ingest.min_signal_value must not be negative"))
	}
	if c.Ledger.StartingBankroll.IsNegative() {
		errs = append(errs, errors.New("ledger.starting_bankroll must not be negative"))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when archiving is enabled"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
