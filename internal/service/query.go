package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/repository"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Artifact is an open handle on a completed job's zip. Callers must close Content.
type Artifact struct {
	Name    string
	Size    int64
	ModTime time.Time
	URL     string // object storage mirror, when one was recorded
	Content io.ReadSeekCloser
}

// JobQueryService answers read-only questions about a requester's jobs.
// A job owned by someone else is reported as not found.
type JobQueryService struct {
	store repository.JobStore
}

// NewJobQueryService creates a new JobQueryService.
func NewJobQueryService(store repository.JobStore) *JobQueryService {
	return &JobQueryService{store: store}
}

// GetStatus returns one job of requester.
func (s *JobQueryService) GetStatus(ctx context.Context, jobID, requester string) (*domain.DownloadJob, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requester {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// GetHistory lists requester's jobs newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - requester: owning user.
//   - status: optional filter.
//   - limit: 0 selects DefaultHistoryLimit; other values are clamped to [1, MaxHistoryLimit].
// Returns:
//   - []domain.DownloadJob: at most limit jobs.
//   - error: wrapped domain.ErrStorage if the query fails.
func (s *JobQueryService) GetHistory(ctx context.Context, requester string, status *domain.JobStatus, limit int) ([]domain.DownloadJob, error) {
	return s.store.ListByOwner(ctx, requester, status, ClampHistoryLimit(limit))
}

// ClampHistoryLimit applies the default and bounds of GetHistory.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultHistoryLimit
	case limit < 1:
		return 1
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// GetArtifact opens the zip of a completed job.
// Returns:
//   - *Artifact: open artifact.
//   - error: domain.ErrJobNotFound, domain.ErrArtifactNotReady unless completed,
//     or domain.ErrArtifactMissing if the file is gone from disk.
func (s *JobQueryService) GetArtifact(ctx context.Context, jobID, requester string) (*Artifact, error) {
	job, err := s.GetStatus(ctx, jobID, requester)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted || job.OutputPath == nil || *job.OutputPath == "" {
		return nil, domain.ErrArtifactNotReady
	}

	f, err := os.Open(*job.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrArtifactMissing
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, domain.ErrArtifactMissing
	}

	return &Artifact{
		Name:    filepath.Base(*job.OutputPath),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		URL:     job.ArtifactURL,
		Content: f,
	}, nil
}
