package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist or is not owned
	// by the requester. The two cases are indistinguishable to callers.
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactNotReady is returned when a job has not completed.
	ErrArtifactNotReady = errors.New("file not ready for download")

	// ErrArtifactMissing is returned when a completed job's archive is gone.
	ErrArtifactMissing = errors.New("file not found on server")

	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidRequest is returned when a download request is incomplete.
	ErrInvalidRequest = errors.New("invalid download request")

	// ErrStorage wraps job-record persistence failures.
	ErrStorage = errors.New("job storage error")
)
