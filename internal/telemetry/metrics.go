// Package telemetry wires the recorder's Prometheus metrics and
// OpenTelemetry tracing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the recorder updates, all
// namespaced "flightrecorder".
type Metrics struct {
	eventsIngested   *prometheus.CounterVec
	ingestLatency    *prometheus.HistogramVec
	redactionResults *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	jobRetries       *prometheus.CounterVec
	replayDuration   *prometheus.HistogramVec
	replaySessions   *prometheus.CounterVec
	artifactBytes    prometheus.Counter
}

// NewMetrics registers the recorder's collectors with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flightrecorder",
			Name:      "events_ingested_total",
			Help:      "Canonical events accepted by the ingestion service",
		}, []string{"event_type"}),

		ingestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flightrecorder",
			Name:      "ingest_latency_ms",
			Help:      "Event ingestion duration in milliseconds, validation through commit",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"event_type", "outcome"}), // outcome: accepted, rejected

		redactionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flightrecorder",
			Name:      "redaction_results_total",
			Help:      "Artifact and payload redaction outcomes",
		}, []string{"status"}), // not_required, redacted, blocked, failed

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flightrecorder",
			Name:      "job_queue_depth",
			Help:      "Pending jobs observed at the last poll, by job type",
		}, []string{"job_type"}),

		jobRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flightrecorder",
			Name:      "job_retries_total",
			Help:      "Job execution attempts that failed, whether rescheduled or marked failed",
		}, []string{"job_type"}),

		replayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flightrecorder",
			Name:      "replay_duration_ms",
			Help:      "Replay session execution duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"status"}), // completed_exact, completed_cached, completed_simulated, completed_mixed, failed_validation, failed_execution

		replaySessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flightrecorder",
			Name:      "replay_sessions_total",
			Help:      "Replay sessions by terminal status",
		}, []string{"status"}),

		artifactBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flightrecorder",
			Name:      "artifact_bytes_stored_total",
			Help:      "Cumulative post-redaction bytes written to the artifact store",
		}),
	}
}

// RecordIngest records one ingestion attempt's outcome and latency.
func (m *Metrics) RecordIngest(eventType, outcome string, latency time.Duration) {
	if outcome == "accepted" {
		m.eventsIngested.WithLabelValues(eventType).Inc()
	}
	m.ingestLatency.WithLabelValues(eventType, outcome).Observe(float64(latency.Milliseconds()))
}

// RecordRedaction records one redaction classification.
func (m *Metrics) RecordRedaction(status string) {
	m.redactionResults.WithLabelValues(status).Inc()
}

// SetQueueDepth reports the pending-job count observed for jobType at
// the worker's last poll.
func (m *Metrics) SetQueueDepth(jobType string, depth int) {
	m.queueDepth.WithLabelValues(jobType).Set(float64(depth))
}

// RecordJobRetry increments the retry counter for jobType.
func (m *Metrics) RecordJobRetry(jobType string) {
	m.jobRetries.WithLabelValues(jobType).Inc()
}

// RecordReplay records a completed or failed replay session execution.
func (m *Metrics) RecordReplay(status string, duration time.Duration) {
	m.replayDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
	m.replaySessions.WithLabelValues(status).Inc()
}

// AddArtifactBytes adds n post-redaction bytes to the cumulative total.
func (m *Metrics) AddArtifactBytes(n int64) {
	if n <= 0 {
		return
	}
	m.artifactBytes.Add(float64(n))
}
