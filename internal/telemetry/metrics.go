package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	QueueDepth   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "job_queue_depth", Help: "Number of jobs in pending state"}, []string{"tenant_id"})
	JobsInflight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Number of jobs currently leased/running"})
	LeaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{Name: "instance_leader_status", Help: "Whether this instance is currently the leader"})

	LeaseTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_lease_total", Help: "Jobs leased"}, []string{"tenant_id", "worker_type"})
	CompleteTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_complete_total", Help: "Jobs completed, failed or dead-lettered"}, []string{"tenant_id", "result"})
	DLQTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_dlq_total", Help: "Jobs moved to DLQ"}, []string{"tenant_id"})
	ReapedTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_reaped_total", Help: "Jobs recovered by the reaper"})
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_published_total", Help: "Outbox events published downstream"})

	StartDelay  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "job_start_delay_seconds", Help: "Time from available_at to lease", Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60}})
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Time from lease to completion", Buckets: []float64{0.1, 1, 5, 10, 60, 120}})
)

// Register installs the collectors exactly once per process; restarts of the
// HTTP layer must not re-register.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			QueueDepth,
			JobsInflight,
			LeaderStatus,
			LeaseTotal,
			CompleteTotal,
			DLQTotal,
			ReapedTotal,
			OutboxPublished,
			StartDelay,
			JobDuration,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
