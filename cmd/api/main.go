package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/archivejobs/internal/api"
	"github.com/timmy/archivejobs/internal/config"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/metrics"
	"github.com/timmy/archivejobs/internal/repository"
	"github.com/timmy/archivejobs/internal/service"
	"github.com/timmy/archivejobs/internal/source/factory"
	"github.com/timmy/archivejobs/internal/storage"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH is honoured by config.Load when the argument is empty.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database handle")
	}
	defer sqlDB.Close()

	store := repository.NewJobRepository(db)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sink = metrics.NewPrometheusSink(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var mirror service.ArtifactMirror
	if cfg.Storage.Enabled {
		objectStorage, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
		mirror = storage.NewMirror(objectStorage, cfg.Storage.Prefix)
		appLogger.WithFields(logger.Fields{
			"type":   cfg.Storage.Type,
			"bucket": cfg.Storage.Bucket,
		}).Info("Artifact mirroring enabled")
	}

	clients, err := factory.New(&cfg.Archive)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to configure archive client")
	}

	orch := service.NewOrchestrator(store, clients, service.OrchestratorConfig{
		MaxConcurrentJobs: cfg.Orchestrator.MaxConcurrentJobs,
		FileWorkers:       cfg.Orchestrator.FileWorkers,
		ProgressEvery:     cfg.Orchestrator.ProgressEvery,
		DownloadsDir:      cfg.Orchestrator.DownloadsDir,
		JobScopedDirs:     cfg.Orchestrator.JobScopedDirs,
		KeepRawFiles:      cfg.Orchestrator.KeepRawFiles,
		Mirror:            mirror,
		Metrics:           sink,
	})

	var reaper *service.Reaper
	if cfg.Reaper.Enabled {
		reaper = service.NewReaper(service.ReaperConfig{
			Schedule:   cfg.Reaper.Schedule,
			StaleAfter: cfg.Reaper.StaleAfter,
			BatchSize:  cfg.Reaper.BatchSize,
		}, store, orch, sink)
		if err := reaper.Start(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to start reaper")
		}
	}

	if len(cfg.Auth.Tokens) == 0 && !cfg.Auth.TrustUserHeader {
		appLogger.Warn("No API tokens configured and user header not trusted; every /api/v1 request will be rejected")
	}

	router := api.SetupRouter(cfg, api.Deps{
		Downloads:   orch,
		Queries:     service.NewJobQueryService(store),
		DB:          sqlDB,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
		Log:         appLogger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop taking requests first, then let running jobs drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("HTTP server forced to shutdown")
	}
	if reaper != nil {
		reaper.Stop()
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Execution units were interrupted at shutdown")
	}

	appLogger.Info("Server exited")
}
