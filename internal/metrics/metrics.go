package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sherlock_job_runs_total",
			Help: "Job executions by final status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sherlock_job_duration_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sherlock_anomalies_detected_total",
			Help: "Anomaly reports produced",
		},
		[]string{"granularity"},
	)

	StoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sherlock_store_queries_total",
			Help: "Queries sent to the time-series store",
		},
		[]string{"cluster", "status"},
	)

	DatasourceCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sherlock_datasource_cache_total",
			Help: "Datasource listing cache lookups",
		},
		[]string{"result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sherlock_notifications_total",
			Help: "Outbound notifications by sink and outcome",
		},
		[]string{"sink", "status"},
	)

	ScheduledJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sherlock_scheduled_jobs",
			Help: "Jobs currently registered with the scheduler",
		},
	)

	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sherlock_run_queue_size",
			Help: "Pending job runs waiting for a worker",
		},
	)
)

func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
