// Package main is the entry point for the transferplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transferplane/internal/config"
	"transferplane/internal/controller"
	"transferplane/internal/logger"
	"transferplane/internal/objectstore"
	"transferplane/internal/observability"
	"transferplane/internal/store/postgres"
	"transferplane/internal/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: transferplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logg)

	ctx := context.Background()
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	// Run migrations if requested
	if *migrateFlag {
		logg.Info("running database migrations")
		if err := postgres.Migrate(store.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		logg.Info("migrations completed")
	}

	objects, err := objectstore.Open(ctx, cfg.ObjectStore, cfg.ObjectStorePath, objectstore.S3Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatalf("Failed to open object store: %v", err)
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "transferplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "transferplane-controller")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Use an Observable Gauge (Async) that queries the DB only when scraped.
	meter := otel.Meter("transferplane-controller")
	_, err = meter.Int64ObservableGauge("transferplane.queue.depth",
		metric.WithDescription("Current number of tasks in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := store.Count(ctx)
			if err != nil {
				logg.Warn("failed to count queue depth", "error", err)
				return nil // Don't crash metrics scrape on DB error
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		logg.Warn("failed to register queue depth metric", "error", err)
	}

	if cfg.SystemSecret == "" {
		logg.Warn("SYSTEM_SECRET is empty, admin endpoints are disabled")
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, tasks.NewDispatcher(store, nil), objects, controller.Options{
		SystemSecret: cfg.SystemSecret,
		Metrics:      metricsHandler,
		Logger:       logg,
	})

	go func() {
		logg.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			logg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logg.Info("server exited properly")
}
