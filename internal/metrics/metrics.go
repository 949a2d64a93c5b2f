package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_messages_total",
			Help: "Total messages consumed from the broker.",
		},
		[]string{"stream", "topic"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_writer_queue_depth",
			Help: "Current depth of an ingest queue.",
		},
		[]string{"queue"},
	)

	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_queue_dropped_total",
			Help: "Messages dropped by the ingest queue drop policy.",
		},
		[]string{"queue", "policy"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_writer_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	GPSDecisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_gps_decision_total",
			Help: "GPS filter decisions by verdict and reason.",
		},
		[]string{"verdict", "reason"},
	)

	HistoryWriteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_history_write_total",
			Help: "Register history admission decisions.",
		},
		[]string{"reason"},
	)

	WorkerRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_worker_retry_total",
			Help: "Worker dispatch retries.",
		},
		[]string{"queue"},
	)

	WorkerDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_worker_dropped_total",
			Help: "Messages dropped after exhausting worker retries.",
		},
		[]string{"queue"},
	)

	WatchdogTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_watchdog_transitions_total",
			Help: "Watchdog state transitions by entity kind and new state.",
		},
		[]string{"entity", "state"},
	)

	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_writer_retention_deleted_total",
			Help: "Rows deleted by the retention sweeper.",
		},
		[]string{"table"},
	)
)

// DBTimer measures the duration of one logical database operation
// spanning possibly several statements (e.g. a whole dispatcher
// transaction), recorded against DBWriteDuration at ObserveDuration time.
type DBTimer struct {
	start time.Time
}

// NewDBTimer starts a timer. Call ObserveDuration with the operation's
// label once the operation completes.
func NewDBTimer() DBTimer {
	return DBTimer{start: time.Now()}
}

func (t DBTimer) ObserveDuration(op string) {
	DBWriteDuration.WithLabelValues(op).Observe(time.Since(t.start).Seconds())
}

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal,
			QueueDepth,
			QueueDroppedTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			ParseErrorsTotal,
			GPSDecisionTotal,
			HistoryWriteTotal,
			WorkerRetryTotal,
			WorkerDroppedTotal,
			WatchdogTransitionsTotal,
			RetentionDeletedTotal,
		)
	})
}
