// Package observability provides Prometheus-backed metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics records engine measurements in Prometheus collectors.
type PromMetrics struct {
	decisions *prometheus.CounterVec
	resolve   prometheus.Histogram
	reloads   *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	telemetry *prometheus.CounterVec
}

// NewPromMetrics builds and registers engine collectors on the registerer.
func NewPromMetrics(r prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficfilter_decisions_total",
			Help: "Total decisions by action and engine mode.",
		}, []string{"action", "mode"}),
		resolve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trafficfilter_resolve_duration_seconds",
			Help:    "Latency of rule resolution.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficfilter_rule_reloads_total",
			Help: "Total rule reload attempts by result.",
		}, []string{"result"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficfilter_eval_anomalies_total",
			Help: "Total evaluation anomalies treated as non-matches.",
		}, []string{"rule_type"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficfilter_telemetry_events_total",
			Help: "Total telemetry events by sink and result.",
		}, []string{"sink", "result"}),
	}
	if r != nil {
		r.MustRegister(m.decisions, m.resolve, m.reloads, m.anomalies, m.telemetry)
	}
	return m
}

// IncDecision counts one decision.
func (m *PromMetrics) IncDecision(action string, mode string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, mode).Inc()
}

// ObserveResolve records one resolution latency.
func (m *PromMetrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolve.Observe(d.Seconds())
}

// IncReload counts one reload attempt.
func (m *PromMetrics) IncReload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

// IncAnomaly counts one evaluation anomaly.
func (m *PromMetrics) IncAnomaly(ruleType string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(ruleType).Inc()
}

// IncTelemetry counts one telemetry event outcome.
func (m *PromMetrics) IncTelemetry(sink string, result string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(sink, result).Inc()
}
