package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tmApp "github.com/cassiomorais/taskmessage/internal/application/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/bootstrap"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/config"
	infraRedis "github.com/cassiomorais/taskmessage/internal/infrastructure/redis"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "taskmessage-worker", "taskmessage_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	registry, err := app.NewRegistry()
	if err != nil {
		app.Logger.Error().Err(err).Msg("Failed to build transport registry")
		return
	}

	engine := app.Config.Engine
	opts := []tmApp.SchedulerOption{
		tmApp.WithPoolSize(engine.SchedulerPoolSize),
		tmApp.WithSchedulerLogger(app.Logger),
		tmApp.WithSchedulerMetrics(app.Metrics),
	}
	if engine.GroupLock.Enabled {
		opts = append(opts, tmApp.WithGroupLocker(infraRedis.NewGroupLocker(app.Redis, ""), engine.GroupLock.TTL))
	}

	scheduler, err := tmApp.NewScheduler(app.Store, registry, groupSpecs(app.Config.Groups), opts...)
	if err != nil {
		app.Logger.Error().Err(err).Msg("Invalid scan group configuration")
		return
	}

	// The worker has no API; it only serves metrics and liveness.
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
	mux.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", app.Config.Server.Port),
		Handler:     mux,
		ReadTimeout: app.Config.Server.ReadTimeout,
	}

	app.Logger.Info().Strs("groups", scheduler.Groups()).Msg("Worker started")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func groupSpecs(groups []config.GroupConfig) []tmApp.GroupSpec {
	specs := make([]tmApp.GroupSpec, 0, len(groups))
	for _, g := range groups {
		specs = append(specs, tmApp.GroupSpec{
			ID:          g.GroupID,
			Shards:      g.Shards,
			Cron:        g.Cron,
			FixedDelay:  g.FixedDelay,
			Limit:       g.Limit,
			RescanEvery: g.RescanEvery,
		})
	}
	return specs
}
