// Package telemetry exports per-rule match counters.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"trafficfilter/internal/trafficfilter/core"
)

// PromSink counts matches per rule in a Prometheus counter. Label
// cardinality is bounded by the loaded rule set.
type PromSink struct {
	matches *prometheus.CounterVec
}

// NewPromSink constructs a sink registered on r.
func NewPromSink(r prometheus.Registerer) *PromSink {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficfilter_rule_matches_total",
			Help: "Rule matches by rule, action, and backend.",
		}, []string{"rule_id", "action", "backend_id"}),
	}
	r.MustRegister(s.matches)
	return s
}

// Name identifies the sink.
func (s *PromSink) Name() string { return "prometheus" }

// Emit counts one match event.
func (s *PromSink) Emit(ctx context.Context, ev core.MatchEvent) error {
	if s == nil || s.matches == nil {
		return nil
	}
	s.matches.WithLabelValues(ev.RuleID, string(ev.Action), ev.BackendID).Inc()
	return nil
}
