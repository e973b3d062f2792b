package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/timmy/archivejobs/internal/logger"
)

const namespace = "archivejobs"

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	jobsQueued   prometheus.Gauge
	jobsActive   prometheus.Gauge
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobDuration  prometheus.Histogram

	filesTotal    *prometheus.CounterVec
	reloginsTotal *prometheus.CounterVec

	archiveDuration *prometheus.HistogramVec
	archiveErrors   *prometheus.CounterVec

	reapedTotal prometheus.Counter
}

// NewPrometheusSink creates a sink and registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Jobs accepted and waiting for an execution slot.",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently executing.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs that moved to running.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from running to terminal.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 10800},
		}),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Per-file outcomes across all jobs.",
		}, []string{"outcome"}),
		reloginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relogins_total",
			Help:      "Re-login attempts after an auth failure.",
		}, []string{"ok"}),
		archiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_request_duration_seconds",
			Help:      "Latency of remote archive calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		archiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_request_errors_total",
			Help:      "Failed remote archive calls.",
		}, []string{"op"}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_jobs_reaped_total",
			Help:      "Abandoned jobs marked failed by the reaper.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.jobsQueued, s.jobsActive, s.jobsStarted, s.jobsFinished, s.jobDuration,
		s.filesTotal, s.reloginsTotal, s.archiveDuration, s.archiveErrors, s.reapedTotal,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("metrics: failed to register collector: %v", err)
		}
	}
	return s
}

func (s *PrometheusSink) JobQueued() {
	s.jobsQueued.Inc()
}

func (s *PrometheusSink) JobDequeued() {
	s.jobsQueued.Dec()
}

func (s *PrometheusSink) JobStarted() {
	s.jobsActive.Inc()
	s.jobsStarted.Inc()
}

// JobFinished must follow a JobStarted for the same job.
func (s *PrometheusSink) JobFinished(status string, duration time.Duration) {
	s.jobsActive.Dec()
	s.jobsFinished.WithLabelValues(status).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) FileOutcome(outcome string) {
	s.filesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) Relogin(ok bool) {
	label := "false"
	if ok {
		label = "true"
	}
	s.reloginsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) ArchiveRequest(op string, duration time.Duration, err error) {
	s.archiveDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		s.archiveErrors.WithLabelValues(op).Inc()
	}
}

func (s *PrometheusSink) StaleJobsReaped(count int) {
	s.reapedTotal.Add(float64(count))
}
