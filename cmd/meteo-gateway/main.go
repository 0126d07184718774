package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/meteo-gateway/internal/api/http"
	"github.com/i474232898/meteo-gateway/internal/config"
	"github.com/i474232898/meteo-gateway/internal/export"
	"github.com/i474232898/meteo-gateway/internal/ingest"
	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/logging"
	"github.com/i474232898/meteo-gateway/internal/query"
	"github.com/i474232898/meteo-gateway/internal/scheduler"
	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/store"
	"github.com/i474232898/meteo-gateway/internal/weather"
	"github.com/i474232898/meteo-gateway/internal/weather/providers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logging.WithLogger(ctx, logging.DefaultLogger())

	if err := run(ctx); err != nil {
		logging.FromContext(ctx).Errorw("meteo-gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load configuration.
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogDebug)
	defer func() { _ = log.Sync() }()
	ctx = logging.WithLogger(ctx, log)

	provs, creds, err := config.LoadProviders(cfg.ProvidersFile, cfg.DefaultTimezone)
	if err != nil {
		return err
	}
	catalog, err := weather.NewCatalog(provs)
	if err != nil {
		return err
	}
	log.Infow("provider catalog loaded", "file", cfg.ProvidersFile, "providers", len(provs))

	recordStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	jobLog, closeJobs, err := openJobLog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeJobs()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// Browsers with resilience (backoff + circuit breaker).
	factory := providers.NewFactory(httpClient, providers.DefaultBackoff, log.Named("providers"))
	pool := session.NewPool(factory, cfg.Session.Session(), log.Named("session"))
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warnw("closing browser sessions", "error", err)
		}
	}()

	ingester := ingest.New(recordStore, log.Named("ingest"))
	orchestrator := export.New(catalog, pool, ingester, jobLog, creds, cfg.Export.Orchestrator(), log.Named("export"))
	defer orchestrator.Close()

	engine := query.NewEngine(catalog, recordStore, nil)
	if cfg.Query.FetchMissing {
		engine.WithFetcher(orchestrator, cfg.Query.Fetch(), log.Named("query"))
	}

	// Scheduler that periodically exports the configured stations.
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(catalog, orchestrator, cfg.Scheduler.Interval, cfg.Scheduler.LookbackDays, log.Named("scheduler"))
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	app := fiber.New(fiber.Config{
		AppName:               httpapi.ServiceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Query:   engine,
		Catalog: catalog,
		Exports: orchestrator,
	})

	go func() {
		log.Infow("listening", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Errorw("fiber server stopped", "error", err)
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnw("error during shutdown", "error", err)
	}
	return nil
}

// openStore picks PostgreSQL when a database URL is configured.
func openStore(ctx context.Context, cfg *config.AppConfig, log *zap.SugaredLogger) (weather.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Infow("using in-memory record store", "max_records", cfg.StoreMaxRecords)
		return store.NewMemoryStore(cfg.StoreMaxRecords), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	log.Info("using PostgreSQL record store")
	return pg, pg.Close, nil
}

func openJobLog(ctx context.Context, cfg *config.AppConfig, log *zap.SugaredLogger) (jobs.Log, func(), error) {
	var (
		jobLog  jobs.Log = jobs.NewMemoryLog()
		closers []func() error
	)
	if cfg.JobsDBPath != "" {
		sqlite, err := jobs.NewSQLiteLog(cfg.JobsDBPath)
		if err != nil {
			return nil, nil, err
		}
		jobLog = sqlite
		closers = append(closers, sqlite.Close)
		log.Infow("using SQLite job log", "path", cfg.JobsDBPath)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warnw("redis unreachable, job status mirror disabled", "addr", cfg.RedisAddr, "error", err)
			_ = client.Close()
		} else {
			jobLog = jobs.NewRedisMirror(jobLog, client, cfg.JobStatusTTL, log.Named("jobs"))
			closers = append(closers, client.Close)
		}
	}

	return jobLog, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warnw("closing job log", "error", err)
			}
		}
	}, nil
}
