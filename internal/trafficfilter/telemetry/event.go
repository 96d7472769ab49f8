// Package telemetry handles match event serialization.
package telemetry

import (
	"encoding/json"
	"time"

	"trafficfilter/internal/trafficfilter/core"
)

type wireMatchEvent struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Action    string    `json:"action"`
	BackendID string    `json:"backend_id,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Path      string    `json:"path,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalMatchEvent serializes a match event.
func MarshalMatchEvent(ev core.MatchEvent) ([]byte, error) {
	return json.Marshal(wireMatchEvent{
		ID:        ev.ID,
		RuleID:    ev.RuleID,
		RuleName:  ev.RuleName,
		Action:    string(ev.Action),
		BackendID: ev.BackendID,
		SourceIP:  ev.SourceIP,
		Protocol:  ev.Protocol,
		Path:      ev.Path,
		Bytes:     ev.Bytes,
		Timestamp: ev.Timestamp,
	})
}

// UnmarshalMatchEvent deserializes a match event.
func UnmarshalMatchEvent(b []byte) (core.MatchEvent, error) {
	var wire wireMatchEvent
	if err := json.Unmarshal(b, &wire); err != nil {
		return core.MatchEvent{}, err
	}
	return core.MatchEvent{
		ID:        wire.ID,
		RuleID:    wire.RuleID,
		RuleName:  wire.RuleName,
		Action:    core.Action(wire.Action),
		BackendID: wire.BackendID,
		SourceIP:  wire.SourceIP,
		Protocol:  wire.Protocol,
		Path:      wire.Path,
		Bytes:     wire.Bytes,
		Timestamp: wire.Timestamp,
	}, nil
}
