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
	"github.com/cassiomorais/taskmessage/internal/controller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "taskmessage-api", "taskmessage")
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
	immediate := tmApp.NewImmediateDispatcher(registry, engine.ImmediateWorkers, engine.ImmediateQueueSize,
		tmApp.WithImmediateLogger(app.Logger),
		tmApp.WithImmediateMetrics(app.Metrics),
	)
	writer := tmApp.NewWriter(app.Store, app.Tx, engine.ShardCount,
		tmApp.WithSignaler(immediate),
		tmApp.WithWriterLogger(app.Logger),
		tmApp.WithWriterMetrics(app.Metrics),
	)

	checks := map[string]controller.Check{"database": app.Pool.Ping}
	if app.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }
	}

	router := controller.NewRouter(controller.RouterDeps{
		Writer:         writer,
		Reader:         app.Store,
		Checks:         checks,
		Metrics:        app.Metrics,
		MetricsHandler: promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}),
		Logger:         app.Logger,
		Server:         app.Config.Server,
		ServiceName:    "taskmessage-api",
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return immediate.Run(gCtx)
	})

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Server error")
	}
	app.Logger.Info().Msg("Server exited")
}
