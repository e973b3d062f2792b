package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
// Values include JobStatusPending, JobStatusRunning, JobStatusCompleted,
// JobStatusFailed, and JobStatusCancelled.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrMessageNoFiles is recorded when a job finishes without a single file.
const ErrMessageNoFiles = "no files downloaded successfully"

// ErrMessageCancelled is recorded on cancelled jobs.
const ErrMessageCancelled = "cancelled"

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// NonTerminal lists the statuses a job can be in before it settles.
var NonTerminal = []JobStatus{JobStatusPending, JobStatusRunning}

// ParseJobStatus converts a raw string to a JobStatus.
// Parameters:
//   - s: raw status value, e.g. from a query string.
// Returns:
//   - JobStatus: parsed status.
//   - error: ErrInvalidStatus if s is not a known status.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a forward step
// of the job state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which next can be reached.
func Predecessors(next JobStatus) []JobStatus {
	var from []JobStatus
	for s, targets := range transitions {
		for _, t := range targets {
			if t == next {
				from = append(from, s)
			}
		}
	}
	return from
}

// DownloadJob is the durable record of one bulk dataset download request.
type DownloadJob struct {
	ID              string     `gorm:"type:text;primaryKey" json:"id"`
	OwnerID         string     `gorm:"type:text;not null;index:idx_download_jobs_owner_created,priority:1" json:"owner_id"`
	DatasetID       string     `gorm:"type:text;not null" json:"dataset_id"`
	Status          JobStatus  `gorm:"type:text;not null;default:pending;index:idx_download_jobs_status" json:"status"`
	OutputPath      *string    `gorm:"type:text" json:"output_path"`
	Error           *string    `gorm:"type:text" json:"error"`
	ArtifactURL     string     `gorm:"type:text" json:"artifact_url,omitempty"`
	FilesTotal      int        `gorm:"default:0" json:"files_total"`
	FilesDownloaded int        `gorm:"default:0" json:"files_downloaded"`
	FilesFailed     int        `gorm:"default:0" json:"files_failed"`
	FilesSkipped    int        `gorm:"default:0" json:"files_skipped"`
	CreatedAt       time.Time  `gorm:"index:idx_download_jobs_owner_created,priority:2" json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for DownloadJob.
func (DownloadJob) TableName() string {
	return "download_jobs"
}

// CheckInvariant verifies that a terminal job carries exactly one of
// OutputPath (completed) or Error (failed, cancelled), and a non-terminal
// job carries neither.
func (j *DownloadJob) CheckInvariant() error {
	hasOutput := j.OutputPath != nil && *j.OutputPath != ""
	hasError := j.Error != nil && *j.Error != ""

	switch j.Status {
	case JobStatusCompleted:
		if !hasOutput || hasError {
			return fmt.Errorf("job %s: completed requires output_path and no error", j.ID)
		}
	case JobStatusFailed, JobStatusCancelled:
		if hasOutput || !hasError {
			return fmt.Errorf("job %s: %s requires error and no output_path", j.ID, j.Status)
		}
	case JobStatusPending, JobStatusRunning:
		if hasOutput || hasError {
			return fmt.Errorf("job %s: %s must not carry an outcome", j.ID, j.Status)
		}
	default:
		return fmt.Errorf("job %s: %w: %q", j.ID, ErrInvalidStatus, j.Status)
	}
	return nil
}

// Progress holds per-file counters reported by an execution unit.
type Progress struct {
	Total      int
	Downloaded int
	Failed     int
	Skipped    int
}

// JobUpdate describes one state change applied to a job record.
// Nil pointer fields are left untouched.
type JobUpdate struct {
	Status      JobStatus
	OutputPath  *string
	Error       *string
	ArtifactURL string
	Progress    *Progress
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Running builds the update that claims a pending job for execution.
func Running(at time.Time) JobUpdate {
	return JobUpdate{Status: JobStatusRunning, StartedAt: &at}
}

// Completed builds the update for a successful job.
func Completed(outputPath, artifactURL string, p Progress, at time.Time) JobUpdate {
	return JobUpdate{
		Status:      JobStatusCompleted,
		OutputPath:  &outputPath,
		ArtifactURL: artifactURL,
		Progress:    &p,
		CompletedAt: &at,
	}
}

// Failed builds the update for a failed job.
func Failed(message string, p *Progress, at time.Time) JobUpdate {
	if message == "" {
		message = "unknown error"
	}
	return JobUpdate{
		Status:      JobStatusFailed,
		Error:       &message,
		Progress:    p,
		CompletedAt: &at,
	}
}

// Cancelled builds the update for a cancelled job.
func Cancelled(p *Progress, at time.Time) JobUpdate {
	msg := ErrMessageCancelled
	return JobUpdate{
		Status:      JobStatusCancelled,
		Error:       &msg,
		Progress:    p,
		CompletedAt: &at,
	}
}
