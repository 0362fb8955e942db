// Package observability provides Prometheus metrics functionality for
// monitoring the pipeline stores and the retraining orchestrator.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Event log metrics
	eventsAppendedTotal    *prometheus.CounterVec
	eventAppendErrorsTotal *prometheus.CounterVec

	// Labels pool metrics
	labelsAddedTotal  *prometheus.CounterVec
	unusedLabelsGauge prometheus.Gauge

	// Registry metrics
	promotionsTotal prometheus.Counter
	rollbacksTotal  prometheus.Counter

	// Retrain metrics
	retrainRunsTotal  *prometheus.CounterVec
	retrainDuration   prometheus.Histogram
	retrainInProgress prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// dedicated registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywheel_events_appended_total",
			Help: "Total number of audit events appended, by event type",
		}, []string{"type"}),
		eventAppendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywheel_event_append_errors_total",
			Help: "Total number of failed audit event appends, by event type",
		}, []string{"type"}),

		labelsAddedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywheel_labels_added_total",
			Help: "Total number of label submissions, by outcome (created, updated)",
		}, []string{"outcome"}),
		unusedLabelsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flywheel_unused_labels",
			Help: "Number of labels not yet used by the latest completed training run",
		}),

		promotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywheel_promotions_total",
			Help: "Total number of model promotions to production",
		}),
		rollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywheel_rollbacks_total",
			Help: "Total number of production rollbacks",
		}),

		retrainRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywheel_retrain_runs_total",
			Help: "Total number of retraining runs, by outcome (completed, failed)",
		}, []string{"outcome"}),
		retrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flywheel_retrain_duration_seconds",
			Help:    "Duration of retraining runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		retrainInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flywheel_retrain_in_progress",
			Help: "1 while a retraining run is in flight",
		}),
	}

	collectors := []prometheus.Collector{
		m.eventsAppendedTotal,
		m.eventAppendErrorsTotal,
		m.labelsAddedTotal,
		m.unusedLabelsGauge,
		m.promotionsTotal,
		m.rollbacksTotal,
		m.retrainRunsTotal,
		m.retrainDuration,
		m.retrainInProgress,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RegisterHandlers adds the metrics endpoint to the provided mux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// EventAppended increments the appended-events counter.
func (m *Metrics) EventAppended(eventType string) {
	m.eventsAppendedTotal.WithLabelValues(eventType).Inc()
}

// EventAppendFailed increments the failed-appends counter.
func (m *Metrics) EventAppendFailed(eventType string) {
	m.eventAppendErrorsTotal.WithLabelValues(eventType).Inc()
}

// LabelAdded records one label submission. outcome is "created" or "updated".
func (m *Metrics) LabelAdded(outcome string) {
	m.labelsAddedTotal.WithLabelValues(outcome).Inc()
}

// SetUnusedLabels updates the unused-label gauge.
func (m *Metrics) SetUnusedLabels(count int64) {
	m.unusedLabelsGauge.Set(float64(count))
}

// ModelPromoted increments the promotions counter.
func (m *Metrics) ModelPromoted() {
	m.promotionsTotal.Inc()
}

// ModelRolledBack increments the rollbacks counter.
func (m *Metrics) ModelRolledBack() {
	m.rollbacksTotal.Inc()
}

// RetrainStarted marks a run as in flight.
func (m *Metrics) RetrainStarted() {
	m.retrainInProgress.Set(1)
}

// RetrainFinished records the outcome and duration of a run.
func (m *Metrics) RetrainFinished(outcome string, seconds float64) {
	m.retrainInProgress.Set(0)
	m.retrainRunsTotal.WithLabelValues(outcome).Inc()
	m.retrainDuration.Observe(seconds)
}
