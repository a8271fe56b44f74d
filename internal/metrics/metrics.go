// Package metrics holds the Prometheus collectors of the pipeline.
//
// All collectors are registered on a private registry so tests can build
// independent instances. Every method is safe on a nil *Metrics, which lets
// components run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

// Metrics holds all the Prometheus metrics for the pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	LogsIngested  prometheus.Counter
	LogsRejected  prometheus.Counter
	LogsDropped   prometheus.Counter
	ModelFits     prometheus.Counter
	ModelSkipped  prometheus.Counter
	ModelVersion  prometheus.Gauge
	Threats       *prometheus.CounterVec
	ThreatErrors  prometheus.Counter
	Actions       *prometheus.CounterVec
	ActionLatency *prometheus.HistogramVec
	DegradedReads *prometheus.CounterVec
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	NotifyErrors  prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
	RateLimited   prometheus.Counter
}

// New creates a Metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LogsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_ingested_total",
			Help:      "Total number of log records accepted into the ledger",
		}),
		LogsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_rejected_total",
			Help:      "Total number of log records rejected by validation or storage",
		}),
		LogsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_dropped_total",
			Help:      "Total number of log records dropped after batch insert retries ran out",
		}),
		ModelFits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fits_total",
			Help:      "Total number of successful model fits",
		}),
		ModelSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fits_skipped_total",
			Help:      "Total number of fits skipped for insufficient samples",
		}),
		ModelVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_version",
			Help:      "Version of the model snapshot currently in effect",
		}),
		Threats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_created_total",
			Help:      "Total number of threats persisted",
		}, []string{"category", "severity"}),
		ThreatErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_persist_failures_total",
			Help:      "Total number of threats dropped because they could not be persisted",
		}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of actions by type and final status",
		}, []string{"type", "status"}),
		ActionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action handler execution time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 1.5, 2, 5, 10},
		}, []string{"type"}),
		DegradedReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_degraded_reads_total",
			Help:      "Total number of ledger reads that failed and returned an empty result",
		}, []string{"op"}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of pipeline cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Pipeline cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Total number of lifecycle events that failed to publish",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Total number of API requests rejected by the rate limiter",
		}),
	}
}

// LogIngested increments the ingested logs counter.
func (m *Metrics) LogIngested() {
	if m != nil {
		m.LogsIngested.Inc()
	}
}

// LogRejected increments the rejected logs counter.
func (m *Metrics) LogRejected() {
	if m != nil {
		m.LogsRejected.Inc()
	}
}

// LogBatchDropped counts records lost by a failed batch insert.
func (m *Metrics) LogBatchDropped(n int) {
	if m != nil {
		m.LogsDropped.Add(float64(n))
	}
}

// ModelFitted records a successful fit that published version.
func (m *Metrics) ModelFitted(version uint64) {
	if m != nil {
		m.ModelFits.Inc()
		m.ModelVersion.Set(float64(version))
	}
}

// ModelFitSkipped records a fit skipped for insufficient samples.
func (m *Metrics) ModelFitSkipped() {
	if m != nil {
		m.ModelSkipped.Inc()
	}
}

// ThreatCreated records a persisted threat.
func (m *Metrics) ThreatCreated(category, severity string) {
	if m != nil {
		m.Threats.WithLabelValues(category, severity).Inc()
	}
}

// ThreatPersistFailed records a threat dropped on insert failure.
func (m *Metrics) ThreatPersistFailed() {
	if m != nil {
		m.ThreatErrors.Inc()
	}
}

// ActionFinished records the final status and handler latency of an action.
func (m *Metrics) ActionFinished(actionType, status string, d time.Duration) {
	if m != nil {
		m.Actions.WithLabelValues(actionType, status).Inc()
		m.ActionLatency.WithLabelValues(actionType).Observe(d.Seconds())
	}
}

// DegradedRead records a ledger read that was turned into an empty result.
func (m *Metrics) DegradedRead(op string) {
	if m != nil {
		m.DegradedReads.WithLabelValues(op).Inc()
	}
}

// CycleFinished records a pipeline cycle.
func (m *Metrics) CycleFinished(result string, d time.Duration) {
	if m != nil {
		m.Cycles.WithLabelValues(result).Inc()
		m.CycleDuration.Observe(d.Seconds())
	}
}

// NotifyFailed increments the notifier error counter.
func (m *Metrics) NotifyFailed() {
	if m != nil {
		m.NotifyErrors.Inc()
	}
}

// HTTPRequest records a served API request.
func (m *Metrics) HTTPRequest(method, code string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, code).Inc()
	}
}

// RequestRateLimited increments the rate limited requests counter.
func (m *Metrics) RequestRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
