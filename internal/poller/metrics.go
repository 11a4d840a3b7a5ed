package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "mlflow_exporter"

// Metrics describes the health of the poll loop itself.
//
// Exposed on the same endpoint as the run series so the age of the served
// data is always observable: last_successful_poll_timestamp_seconds keeps its
// value while the tracking store is unreachable.
type Metrics struct {
	// PollsTotal counts finished refreshes. Labels: result (success, failure)
	PollsTotal *prometheus.CounterVec

	// PollErrorsTotal counts refreshes that left the snapshot untouched.
	PollErrorsTotal prometheus.Counter

	// MalformedRecordsTotal counts run and experiment records skipped while parsing.
	MalformedRecordsTotal prometheus.Counter

	// SkippedPollsTotal counts ticks that fired while a refresh was in flight.
	SkippedPollsTotal prometheus.Counter

	LastSuccessfulPoll prometheus.Gauge
	PollDuration       prometheus.Histogram
	SnapshotSamples    prometheus.Gauge
	SnapshotDropped    prometheus.Gauge
	TrackedRuns        prometheus.Gauge
}

// NewMetrics creates the poller metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "polls_total",
				Help:      "Total number of tracking store polls by result",
			},
			[]string{"result"},
		),
		PollErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_errors_total",
			Help:      "Total number of polls that failed and kept the previous snapshot",
		}),
		MalformedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_records_total",
			Help:      "Total number of records skipped because they could not be parsed",
		}),
		SkippedPollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_polls_total",
			Help:      "Total number of poll ticks skipped because a poll was still running",
		}),
		LastSuccessfulPoll: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_successful_poll_timestamp_seconds",
			Help:      "Unix time at which the served snapshot was fetched",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of tracking store polls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SnapshotSamples: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_samples",
			Help:      "Number of run samples in the served snapshot",
		}),
		SnapshotDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_dropped_metrics",
			Help:      "Number of run metrics left out of the served snapshot because of unusable names",
		}),
		TrackedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_runs",
			Help:      "Number of runs in the served snapshot",
		}),
	}
}
