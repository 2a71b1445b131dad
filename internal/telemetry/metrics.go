package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_jobs_enqueued_total", Help: "Total enqueued sync jobs"}, []string{"queue", "type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue", "type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"}, []string{"queue", "type"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_jobs_dead_letter_total", Help: "Jobs moved to the failed (dead-letter) set"}, []string{"queue", "type"})
	JobsStalled      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_jobs_stalled_total", Help: "Jobs whose lease expired without a heartbeat"}, []string{"queue"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "psa_sync_queue_depth", Help: "Jobs per queue and status"}, []string{"queue", "status"})
	InFlight         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "psa_sync_inflight", Help: "Jobs currently being processed"}, []string{"queue"})
	QueueDegraded    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "psa_sync_queue_degraded", Help: "1 while the queue store is unreachable"})
	RecordsSynced    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_records_total", Help: "Constituent records by outcome"}, []string{"entity", "outcome"})
	Quarantined      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_quarantined_total", Help: "Records placed in quarantine"}, []string{"entity", "priority"})
	Escalations      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_escalations_total", Help: "Escalations raised"}, []string{"rule"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "psa_sync_rate_limit_rejects_total", Help: "Operator commands rejected by the rate limiter"})
	MigrationRecords = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_migration_records_total", Help: "Records processed by batch migrations"}, []string{"result"})
	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "psa_sync_job_outcomes_total", Help: "Finished job runs reported by workers"}, []string{"queue", "type", "outcome"})
	LedgerConnected  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "psa_sync_ledger_connected", Help: "1 while the last health check reached the ledger"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsStalled,
			QueueDepth,
			InFlight,
			QueueDegraded,
			RecordsSynced,
			Quarantined,
			Escalations,
			RateLimitRejects,
			MigrationRecords,
			JobOutcomes,
			LedgerConnected,
		)
	})
	return promhttp.Handler()
}
