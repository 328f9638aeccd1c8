// Package metrics provides Prometheus collectors for ingestion runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all televore metrics.
	Namespace = "televore"

	// Subsystem is the subsystem for ingestion metrics.
	Subsystem = "ingest"
)

// Metrics holds the ingestion collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds prometheus.Histogram
	RunsInProgress     prometheus.Gauge

	EntityOutcomesTotal   *prometheus.CounterVec
	MessagesInsertedTotal prometheus.Counter
	EntitiesDiscovered    prometheus.Counter

	ThrottleWaitsTotal  prometheus.Counter
	ThrottleWaitSeconds prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by final status",
		}, []string{"status"}),
		RunDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of ingestion runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		}),
		RunsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_in_progress",
			Help:      "Number of ingestion runs currently executing",
		}),
		EntityOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "entity_outcomes_total",
			Help:      "Terminal states reached by entities",
		}, []string{"state"}),
		MessagesInsertedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "messages_inserted_total",
			Help:      "Messages appended to the warehouse",
		}),
		EntitiesDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "entities_discovered_total",
			Help:      "New entities registered by discovery",
		}),
		ThrottleWaitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "throttle_waits_total",
			Help:      "Rate-limit signals honoured by the fetcher",
		}),
		ThrottleWaitSeconds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "throttle_wait_seconds_total",
			Help:      "Time spent suspended on rate-limit signals",
		}),
	}
}

// RunStarted marks a run as in progress.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInProgress.Inc()
}

// RunFinished records the outcome of a run.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsInProgress.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDurationSeconds.Observe(elapsed.Seconds())
}

// EntityOutcome counts one entity reaching a terminal state.
func (m *Metrics) EntityOutcome(state string) {
	if m == nil {
		return
	}
	m.EntityOutcomesTotal.WithLabelValues(state).Inc()
}

// Inserted adds n appended messages.
func (m *Metrics) Inserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesInsertedTotal.Add(float64(n))
}

// Discovered adds n newly registered entities.
func (m *Metrics) Discovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntitiesDiscovered.Add(float64(n))
}

// Throttled records one rate-limit suspension of d.
func (m *Metrics) Throttled(d time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleWaitsTotal.Inc()
	m.ThrottleWaitSeconds.Add(d.Seconds())
}
