package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/i474232898/meteo-gateway/internal/export"
	"github.com/i474232898/meteo-gateway/internal/logging"
	"github.com/i474232898/meteo-gateway/internal/query"
	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/timezone"
)

type AppConfig struct {
	Port     string `env:"PORT, default=8080"`
	LogLevel string `env:"LOG_LEVEL, default=info"`
	LogDebug bool   `env:"LOG_DEBUG, default=false"`

	// ProvidersFile is the YAML provider catalog.
	ProvidersFile   string        `env:"PROVIDERS_FILE, default=config/providers.yaml"`
	DefaultTimezone string        `env:"DEFAULT_TIMEZONE, default=Europe/Rome"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT, default=30s"`

	// Record storage: PostgreSQL when DatabaseURL is set, process memory otherwise.
	DatabaseURL     string `env:"DATABASE_URL"`
	StoreMaxRecords int    `env:"STORE_MAX_RECORDS, default=0"`

	// Job log: SQLite when JobsDBPath is set, process memory otherwise.
	JobsDBPath    string        `env:"JOBS_DB_PATH"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	JobStatusTTL  time.Duration `env:"JOB_STATUS_TTL, default=24h"`

	Export    ExportConfig    `env:",prefix=EXPORT_"`
	Session   SessionConfig   `env:",prefix=SESSION_"`
	Scheduler SchedulerConfig `env:",prefix=SCHEDULER_"`
	Query     QueryConfig     `env:",prefix=QUERY_"`
}

type ExportConfig struct {
	RetryBudget     int           `env:"RETRY_BUDGET, default=1"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF, default=2s"`
	MaxBackoff      time.Duration `env:"MAX_BACKOFF, default=30s"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT, default=2m"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT, default=10m"`
	DownloadRoot    string        `env:"DOWNLOAD_ROOT"`
}

func (c ExportConfig) Orchestrator() export.Config {
	return export.Config{
		RetryBudget:     c.RetryBudget,
		RetryBackoff:    c.RetryBackoff,
		MaxBackoff:      c.MaxBackoff,
		DownloadTimeout: c.DownloadTimeout,
		JobTimeout:      c.JobTimeout,
		DownloadRoot:    c.DownloadRoot,
	}
}

type SessionConfig struct {
	LoginWait    time.Duration `env:"LOGIN_WAIT, default=30s"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=500ms"`
}

func (c SessionConfig) Session() session.Config {
	return session.Config{LoginWait: c.LoginWait, PollInterval: c.PollInterval}
}

type SchedulerConfig struct {
	Enabled  bool          `env:"ENABLED, default=true"`
	Interval time.Duration `env:"INTERVAL, default=1h"`
	// LookbackDays is how many days before today each run exports, today included.
	LookbackDays int `env:"LOOKBACK_DAYS, default=1"`
}

type QueryConfig struct {
	// FetchMissing lets queries export data absent from the store.
	FetchMissing  bool          `env:"FETCH_MISSING, default=true"`
	MinGap        time.Duration `env:"MIN_GAP, default=30m"`
	FetchCooldown time.Duration `env:"FETCH_COOLDOWN, default=10m"`
}

func (c QueryConfig) Fetch() query.FetchConfig {
	return query.FetchConfig{MinGap: c.MinGap, Cooldown: c.FetchCooldown}
}

// Load reads .env if present, then decodes the environment.
func Load(ctx context.Context) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logging.FromContext(ctx).Infow("no .env file loaded", "error", err)
	}
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith decodes configuration from l and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if _, err := timezone.LoadZone(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}
	if c.Export.RetryBudget < 0 {
		return fmt.Errorf("invalid EXPORT_RETRY_BUDGET %d: must not be negative", c.Export.RetryBudget)
	}
	if c.Export.DownloadTimeout <= 0 {
		return fmt.Errorf("invalid EXPORT_DOWNLOAD_TIMEOUT %s", c.Export.DownloadTimeout)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("invalid SCHEDULER_INTERVAL %s", c.Scheduler.Interval)
	}
	if c.Query.FetchMissing && c.Query.MinGap <= 0 {
		return fmt.Errorf("invalid QUERY_MIN_GAP %s", c.Query.MinGap)
	}
	if c.Scheduler.LookbackDays < 1 {
		return fmt.Errorf("invalid SCHEDULER_LOOKBACK_DAYS %d: must be at least 1", c.Scheduler.LookbackDays)
	}
	return nil
}
