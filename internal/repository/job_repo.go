package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/archivejobs/internal/domain"
	"gorm.io/gorm"
)

// JobStore is the persistence contract used by the orchestrator and the
// query surface. Every write runs in its own transaction.
type JobStore interface {
	Create(ctx context.Context, job *domain.DownloadJob) error
	GetByID(ctx context.Context, id string) (*domain.DownloadJob, error)
	Transition(ctx context.Context, id string, upd domain.JobUpdate) error
	Abort(ctx context.Context, id string, upd domain.JobUpdate) error
	UpdateProgress(ctx context.Context, id string, p domain.Progress) error
	ListByOwner(ctx context.Context, ownerID string, status *domain.JobStatus, limit int) ([]domain.DownloadJob, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DownloadJob, error)

	// Isolated returns a store backed by a fresh session so one execution
	// unit never shares statement state with another.
	Isolated() JobStore
}

// JobRepository handles download job persistence.
type JobRepository struct {
	db *gorm.DB
}

var _ JobStore = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Isolated returns a repository on a new gorm session.
func (r *JobRepository) Isolated() JobStore {
	return &JobRepository{db: r.db.Session(&gorm.Session{NewDB: true})}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist; ID must already be assigned.
// Returns:
//   - error: wraps domain.ErrStorage if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.DownloadJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("%w: create job: %w", domain.ErrStorage, err)
	}
	return nil
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.DownloadJob: job record if found.
//   - error: domain.ErrJobNotFound if absent, wrapped domain.ErrStorage otherwise.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.DownloadJob, error) {
	var job domain.DownloadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: get job: %w", domain.ErrStorage, err)
	}
	return &job, nil
}

// Transition applies upd only if the job currently sits in a status from
// which upd.Status is a legal forward step. Concurrent writers race on the
// conditional update and exactly one wins.
// Returns:
//   - error: domain.ErrJobNotFound, domain.ErrInvalidTransition, or wrapped domain.ErrStorage.
func (r *JobRepository) Transition(ctx context.Context, id string, upd domain.JobUpdate) error {
	return r.apply(ctx, id, domain.Predecessors(upd.Status), upd)
}

// Abort moves any non-terminal job to a terminal failure. It is used for
// the best-effort failure write after a storage error and by the reaper,
// where a job may still be pending.
func (r *JobRepository) Abort(ctx context.Context, id string, upd domain.JobUpdate) error {
	if !upd.Status.IsTerminal() {
		return fmt.Errorf("%w: abort requires a terminal status, got %s", domain.ErrInvalidTransition, upd.Status)
	}
	return r.apply(ctx, id, domain.NonTerminal, upd)
}

// UpdateProgress stores the per-file counters of a running job.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	return r.apply(ctx, id, []domain.JobStatus{domain.JobStatusRunning}, domain.JobUpdate{Progress: &p})
}

func (r *JobRepository) apply(ctx context.Context, id string, from []domain.JobStatus, upd domain.JobUpdate) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no status leads to %s", domain.ErrInvalidTransition, upd.Status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.DownloadJob{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updateColumns(upd))
		if res.Error != nil {
			return fmt.Errorf("%w: update job %s: %w", domain.ErrStorage, id, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var current domain.DownloadJob
		if err := tx.Select("id", "status").First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrJobNotFound
			}
			return fmt.Errorf("%w: reload job %s: %w", domain.ErrStorage, id, err)
		}
		target := upd.Status
		if target == "" {
			target = current.Status
		}
		return fmt.Errorf("%w: job %s is %s, cannot apply %s", domain.ErrInvalidTransition, id, current.Status, target)
	})
}

func updateColumns(upd domain.JobUpdate) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": time.Now().UTC()}
	if upd.Status != "" {
		cols["status"] = upd.Status
	}
	if upd.OutputPath != nil {
		cols["output_path"] = *upd.OutputPath
	}
	if upd.Error != nil {
		cols["error"] = *upd.Error
	}
	if upd.ArtifactURL != "" {
		cols["artifact_url"] = upd.ArtifactURL
	}
	if upd.Progress != nil {
		cols["files_total"] = upd.Progress.Total
		cols["files_downloaded"] = upd.Progress.Downloaded
		cols["files_failed"] = upd.Progress.Failed
		cols["files_skipped"] = upd.Progress.Skipped
	}
	if upd.StartedAt != nil {
		cols["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		cols["completed_at"] = *upd.CompletedAt
	}
	return cols
}

// ListByOwner returns the owner's jobs, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: requesting user.
//   - status: optional status filter; nil returns all statuses.
//   - limit: maximum number of rows.
// Returns:
//   - []domain.DownloadJob: matching jobs ordered by created_at descending.
//   - error: wrapped domain.ErrStorage if the query fails.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, status *domain.JobStatus, limit int) ([]domain.DownloadJob, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}

	var jobs []domain.DownloadJob
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("%w: list jobs: %w", domain.ErrStorage, err)
	}
	return jobs, nil
}

// ListStale returns non-terminal jobs not touched since before, oldest first.
func (r *JobRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DownloadJob, error) {
	var jobs []domain.DownloadJob
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", domain.NonTerminal, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list stale jobs: %w", domain.ErrStorage, err)
	}
	return jobs, nil
}
