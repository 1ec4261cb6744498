package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testOrchestrator = "test_orchestrator"

	// Job metrics
	jobsStartedTotal  = "jobs_started_total"
	jobsFinishedTotal = "jobs_finished_total"
	ActiveJobsCount   = "active_jobs"

	// Stream metrics
	streamConnections = "stream_connections"

	// Labels
	jobKindLabel   = "kind"
	jobStatusLabel = "status"
)

var jobsStartedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: testOrchestrator,
		Name:      jobsStartedTotal,
		Help:      "number of jobs started, partitioned by kind",
	},
	[]string{jobKindLabel},
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: testOrchestrator,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{jobStatusLabel},
)

var activeJobsMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: testOrchestrator,
		Name:      ActiveJobsCount,
		Help:      "metrics to record the number of pending/running jobs per kind",
	},
	[]string{jobKindLabel},
)

var streamConnectionsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: testOrchestrator,
		Name:      streamConnections,
		Help:      "number of live job update observer connections",
	},
)

func IncreaseJobsStartedTotalMetric(kind string) {
	jobsStartedTotalMetric.With(prometheus.Labels{jobKindLabel: kind}).Inc()
}

func IncreaseJobsFinishedTotalMetric(status string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{jobStatusLabel: status}).Inc()
}

func UpdateActiveJobsMetric(kind string, count int) {
	activeJobsMetric.With(prometheus.Labels{jobKindLabel: kind}).Set(float64(count))
}

func UpdateStreamConnectionsMetric(count int) {
	streamConnectionsMetric.Set(float64(count))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsStartedTotalMetric)
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(activeJobsMetric)
	prometheus.MustRegister(streamConnectionsMetric)
}
