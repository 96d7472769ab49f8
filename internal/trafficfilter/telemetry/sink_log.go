// Package telemetry writes match events to the structured log.
package telemetry

import (
	"context"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
)

// LogSink writes every match to the structured log.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink constructs a log sink.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink.
func (s *LogSink) Name() string { return "log" }

// Emit logs one match event.
func (s *LogSink) Emit(ctx context.Context, ev core.MatchEvent) error {
	if s == nil {
		return nil
	}
	s.logger.Info("rule match", map[string]any{
		"event_id":   ev.ID,
		"rule_id":    ev.RuleID,
		"rule_name":  ev.RuleName,
		"action":     string(ev.Action),
		"backend_id": ev.BackendID,
		"source_ip":  ev.SourceIP,
		"protocol":   ev.Protocol,
		"path":       ev.Path,
		"bytes":      ev.Bytes,
	})
	return nil
}
