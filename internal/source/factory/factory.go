// Package factory selects the archive backend named by configuration.
package factory

import (
	"fmt"

	"github.com/timmy/archivejobs/internal/config"
	"github.com/timmy/archivejobs/internal/source"
	"github.com/timmy/archivejobs/internal/source/mosdac"
	"github.com/timmy/archivejobs/internal/source/staging"
)

// New returns the client factory for cfg.Type. An empty type means mosdac.
func New(cfg *config.ArchiveConfig) (source.ClientFactory, error) {
	switch cfg.Type {
	case "", "mosdac":
		return mosdac.NewFactory(mosdac.Config{
			BaseURL:         cfg.BaseURL,
			RequestTimeout:  cfg.RequestTimeout,
			DownloadTimeout: cfg.DownloadTimeout,
			RetryCount:      cfg.RetryCount,
			RetryWait:       cfg.RetryWait,
			UserAgent:       cfg.UserAgent,
		}), nil
	case "staging":
		return staging.NewFactory(staging.Config{Root: cfg.StagingDir}), nil
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
