package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/taskmessage/internal/infrastructure/config"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/taskmessage/internal/infrastructure/redis"
	"github.com/cassiomorais/taskmessage/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client // nil unless redis.enabled
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Store    *postgres.TaskMessageRepository
	Tx       *postgres.TxManager

	closers []func()
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.closers = append(app.closers, func() {
				if err := observability.Shutdown(context.Background(), tp); err != nil {
					logger.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			})
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)
	logger.Info().Msg("Metrics initialized")

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.Pool = pool
	app.closers = append(app.closers, pool.Close)
	app.Store = postgres.NewTaskMessageRepository(pool)
	app.Tx = postgres.NewTxManager(pool)
	logger.Info().Msg("Connected to PostgreSQL")

	if cfg.Redis.Enabled {
		redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Redis = redisClient
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
		logger.Info().Msg("Connected to Redis")
	}

	return app, nil
}

// OnClose registers fn to run on Close, before the connections opened by New.
func (a *App) OnClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
