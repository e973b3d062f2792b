// Package metrics records download job activity. Callers depend on Sink so
// that metrics can be disabled without nil checks.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Job lifecycle
	JobQueued()
	JobDequeued() // Left the queue, with or without starting
	JobStarted()
	JobFinished(status string, duration time.Duration)

	// Per-file outcomes of an execution unit
	FileOutcome(outcome string)
	Relogin(ok bool)

	// Remote archive calls
	ArchiveRequest(op string, duration time.Duration, err error)

	// Reaper
	StaleJobsReaped(count int)
}

// File outcome labels.
const (
	FileDownloaded = "downloaded"
	FileFailed     = "failed"
	FileSkipped    = "skipped"
	FileRetried    = "retried"
)
