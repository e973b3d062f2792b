package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobQueued()                                                  {}
func (n *NoopSink) JobDequeued()                                                {}
func (n *NoopSink) JobStarted()                                                 {}
func (n *NoopSink) JobFinished(status string, duration time.Duration)           {}
func (n *NoopSink) FileOutcome(outcome string)                                  {}
func (n *NoopSink) Relogin(ok bool)                                             {}
func (n *NoopSink) ArchiveRequest(op string, duration time.Duration, err error) {}
func (n *NoopSink) StaleJobsReaped(count int)                                   {}
