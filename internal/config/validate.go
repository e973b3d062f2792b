package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port", "must be in 1..65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			add("database.path", "required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			add("database.host", "required for postgres")
		}
		if cfg.Database.DBName == "" {
			add("database.dbname", "required for postgres")
		}
	default:
		add("database.driver", "must be 'sqlite' or 'postgres', got %q", cfg.Database.Driver)
	}

	switch cfg.Archive.Type {
	case "", "mosdac":
		if !strings.HasPrefix(cfg.Archive.BaseURL, "http://") && !strings.HasPrefix(cfg.Archive.BaseURL, "https://") {
			add("archive.base_url", "must be an http(s) URL, got %q", cfg.Archive.BaseURL)
		}
	case "staging":
		if cfg.Archive.StagingDir == "" {
			add("archive.staging_dir", "required for the staging archive")
		}
	default:
		add("archive.type", "must be 'mosdac' or 'staging', got %q", cfg.Archive.Type)
	}
	if cfg.Archive.RequestTimeout <= 0 {
		add("archive.request_timeout", "must be positive")
	}
	if cfg.Archive.DownloadTimeout <= 0 {
		add("archive.download_timeout", "must be positive")
	}
	if cfg.Archive.RetryCount < 0 {
		add("archive.retry_count", "must not be negative")
	}

	if cfg.Orchestrator.MaxConcurrentJobs < 1 {
		add("orchestrator.max_concurrent_jobs", "must be at least 1")
	}
	if cfg.Orchestrator.FileWorkers < 1 {
		add("orchestrator.file_workers", "must be at least 1")
	}
	if cfg.Orchestrator.ProgressEvery < 1 {
		add("orchestrator.progress_every", "must be at least 1")
	}
	if cfg.Orchestrator.DownloadsDir == "" {
		add("orchestrator.downloads_dir", "required")
	}

	if err := cfg.Storage.Validate(); err != nil {
		add("storage", "%v", err)
	}

	seen := make(map[string]bool, len(cfg.Auth.Tokens))
	for i, tok := range cfg.Auth.Tokens {
		if tok.UserID == "" || tok.Token == "" {
			add(fmt.Sprintf("auth.tokens[%d]", i), "user_id and token are required")
			continue
		}
		if seen[tok.Token] {
			add(fmt.Sprintf("auth.tokens[%d]", i), "duplicate token")
		}
		seen[tok.Token] = true
	}

	if cfg.Reaper.Enabled {
		if _, err := cron.ParseStandard(cfg.Reaper.Schedule); err != nil {
			add("reaper.schedule", "invalid schedule: %v", err)
		}
		if cfg.Reaper.StaleAfter <= 0 {
			add("reaper.stale_after", "must be positive")
		}
		if cfg.Reaper.BatchSize < 1 {
			add("reaper.batch_size", "must be at least 1")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
