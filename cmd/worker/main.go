// Package main is the entry point for the transferplane worker.
// The worker pulls tasks from the queue and runs the scheduler, the source
// side exports and the destination side pipelines.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transferplane/internal/cache"
	"transferplane/internal/config"
	"transferplane/internal/export"
	"transferplane/internal/importer"
	"transferplane/internal/logger"
	"transferplane/internal/objectstore"
	"transferplane/internal/observability"
	"transferplane/internal/pipeline"
	"transferplane/internal/scheduler"
	"transferplane/internal/store/postgres"
	"transferplane/internal/tasks"
	"transferplane/internal/transfer"
	"transferplane/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: transferplane.yaml in current directory)")
	metricsAddr := flag.String("metrics-addr", ":6162", "Listen address of the metrics server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "transferplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "transferplane-worker")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()
	metrics, err := observability.NewMetrics("transferplane-worker")
	if err != nil {
		log.Fatalf("Failed to register instruments: %v", err)
	}

	scratch, err := transfer.NewScratch(cfg.ScratchRoot)
	if err != nil {
		log.Fatalf("Failed to prepare scratch root: %v", err)
	}

	objects, err := objectstore.Open(ctx, cfg.ObjectStore, cfg.ObjectStorePath, objectstore.S3Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatalf("Failed to open object store: %v", err)
	}

	var members cache.Membership
	switch cfg.CacheBackend {
	case "memory":
		// Only safe with a single worker process: batches must run where they were planned.
		logg.Warn("using in-process membership cache")
		members = cache.NewMemory(nil)
	default:
		client := cache.NewRedisClient(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		members = cache.NewRedis(client)
	}

	registry, err := pipeline.NewRegistry(pipeline.Defaults, logg)
	if err != nil {
		log.Fatalf("Invalid pipeline definitions: %v", err)
	}

	dispatcher := tasks.NewDispatcher(store, nil)
	exportCfg := export.Config{Namespace: cfg.CacheNamespace}

	exportWorker := export.NewWorker(export.WorkerDeps{
		Exports:    store,
		Records:    store,
		Members:    members,
		Objects:    objects,
		Scratch:    scratch,
		Dispatcher: dispatcher,
		Logger:     logg,
		Metrics:    metrics,
	}, exportCfg)

	imp := importer.New(importer.Deps{
		Migrations: store,
		Trackers:   store,
		Resources:  store,
		Dispatcher: dispatcher,
		Peers: &importer.HTTPPeers{
			Token:           cfg.SourceToken,
			Policy:          transfer.Policy{AllowLocalNetwork: cfg.AllowLocalNetwork},
			MaxDownloadSize: cfg.MaxDownloadSize,
			Scratch:         scratch,
			Logger:          logg,
			Metrics:         metrics,
		},
		Loader:       &importer.StoreLoader{Records: store, Objects: objects, Logger: logg},
		Scratch:      scratch,
		Decompressor: transfer.NewDecompressor(scratch, cfg.MaxDecompressedSize),
		Logger:       logg,
	})

	handlers := worker.Handlers(worker.Services{
		Scheduler:    scheduler.New(store, registry, dispatcher, scheduler.TrackerDrain{Trackers: store}, nil, logg),
		Orchestrator: export.NewOrchestrator(store, members, dispatcher, exportWorker, nil, exportCfg, logg),
		Exports:      exportWorker,
		Importer:     imp,
	})

	agent := worker.New(store, handlers, worker.AgentConfig{
		ID:                  hostname(),
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		VisibilityExtension: cfg.VisibilityExtension,
		TaskTimeout:         cfg.TaskTimeout,
	}, logg, metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux, ReadTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info("worker started", "concurrency", cfg.WorkerConcurrency)
		if err := agent.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logg.Info("worker metrics listening", "addr", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logg.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logg.Info("worker exited properly")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return name
}
