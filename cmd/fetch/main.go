package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timmy/archivejobs/internal/config"
	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/repository"
	"github.com/timmy/archivejobs/internal/service"
	"github.com/timmy/archivejobs/internal/source/factory"
	"github.com/timmy/archivejobs/internal/storage"
)

// filterFlags collects repeated -filter key=value arguments.
type filterFlags map[string]string

func (f filterFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f filterFlags) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	if !ok || k == "" {
		return fmt.Errorf("filter %q must be key=value", raw)
	}
	f[k] = v
	return nil
}

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "archivejobs-fetch",
	})
	logger.SetDefaultLogger(appLogger)

	filters := filterFlags{}
	datasetID := flag.String("dataset", "", "Dataset id to download")
	userID := flag.String("user", "cli", "Owner recorded on the job")
	username := flag.String("username", os.Getenv("ARCHIVE_USERNAME"), "Archive account (default $ARCHIVE_USERNAME)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Var(filters, "filter", "Search filter key=value, repeatable")
	flag.Parse()

	// Read from the environment only, so it never shows up in ps output.
	password := os.Getenv("ARCHIVE_PASSWORD")

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	store := repository.NewJobRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	}

	clients, err := factory.New(&cfg.Archive)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to configure archive client")
	}

	orch := service.NewOrchestrator(store, clients, service.OrchestratorConfig{
		MaxConcurrentJobs: 1,
		FileWorkers:       cfg.Orchestrator.FileWorkers,
		ProgressEvery:     cfg.Orchestrator.ProgressEvery,
		DownloadsDir:      cfg.Orchestrator.DownloadsDir,
		JobScopedDirs:     cfg.Orchestrator.JobScopedDirs,
		KeepRawFiles:      cfg.Orchestrator.KeepRawFiles,
		Mirror:            mirror,
	})

	job, err := orch.StartDownload(ctx, service.StartRequest{
		UserID:    *userID,
		DatasetID: *datasetID,
		Username:  *username,
		Password:  password,
		Filters:   filters,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to start download")
	}
	appLogger.WithFields(logger.Fields{
		logger.FieldJobID:     job.ID,
		logger.FieldDatasetID: job.DatasetID,
	}).Info("Download started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, cancelling job...")
		if _, err := orch.Cancel(context.Background(), job.ID, *userID); err != nil {
			appLogger.WithError(err).Warn("Cancel failed")
		}
	}()

	if err := orch.Wait(ctx); err != nil {
		appLogger.WithError(err).Fatal("Wait failed")
	}

	final, err := store.GetByID(ctx, job.ID)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load job")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		appLogger.WithError(err).Fatal("Failed to print job")
	}
	if final.Status != domain.JobStatusCompleted {
		os.Exit(1)
	}
}
