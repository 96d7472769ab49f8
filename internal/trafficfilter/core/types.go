// Package core implements the traffic filter rule engine.
package core

import (
	"net/netip"
	"strings"
	"time"
)

// RuleType identifies the condition family a rule evaluates.
type RuleType string

const (
	RuleTypeIP       RuleType = "ip"
	RuleTypeGeo      RuleType = "geo"
	RuleTypeRate     RuleType = "rate"
	RuleTypePattern  RuleType = "pattern"
	RuleTypeProtocol RuleType = "protocol"
	RuleTypeCustom   RuleType = "custom"
)

// KnownRuleType reports whether t is a supported rule type.
func KnownRuleType(t RuleType) bool {
	switch t {
	case RuleTypeIP, RuleTypeGeo, RuleTypeRate, RuleTypePattern, RuleTypeProtocol, RuleTypeCustom:
		return true
	}
	return false
}

// Action is the effect applied when a rule matches.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionRateLimit Action = "rate_limit"
	ActionChallenge Action = "challenge"
	ActionLog       Action = "log"
)

// KnownAction reports whether a is a supported action.
func KnownAction(a Action) bool {
	switch a {
	case ActionAllow, ActionBlock, ActionRateLimit, ActionChallenge, ActionLog:
		return true
	}
	return false
}

// Priority bounds accepted at validation time.
const (
	MinPriority = 0
	MaxPriority = 1_000_000
)

// FilterRule is one prioritized condition/action pair applied to traffic.
// Rules with a lower Priority value are evaluated first. An empty BackendID
// applies the rule to every backend.
type FilterRule struct {
	ID          string
	Name        string
	Description string
	Type        RuleType
	Action      Action
	Priority    int
	Enabled     bool
	BackendID   string
	Config      RuleConfig
}

// RuleConfig is the typed configuration variant selected by FilterRule.Type.
type RuleConfig interface {
	isRuleConfig()
}

// IPConfig lists IP and CIDR entries tested against the event source IP.
// A bare IP is treated as a /32 (IPv4) or /128 (IPv6) prefix.
type IPConfig struct {
	Entries []string
}

// GeoConfig lists ISO 3166-1 alpha-2 country codes, case-insensitive.
type GeoConfig struct {
	Countries []string
}

// RateConfig configures the token bucket charged per rule and source IP.
type RateConfig struct {
	TokensPerSecond float64
	BucketSize      int
}

// Pattern target fields.
const (
	PatternTargetPath   = "path"
	PatternTargetQuery  = "query"
	PatternTargetHeader = "header"
)

// PatternConfig configures a regular expression search on one event field.
// Target defaults to the request path; Header names the header when Target
// is "header".
type PatternConfig struct {
	Expr   string
	Target string
	Header string
}

// ProtocolConfig matches the classified protocol tag supplied by capture.
type ProtocolConfig struct {
	Protocol string
}

// CustomConfig holds a boolean expression over event fields, parsed at load.
type CustomConfig struct {
	Expression string
}

func (IPConfig) isRuleConfig()       {}
func (GeoConfig) isRuleConfig()      {}
func (RateConfig) isRuleConfig()     {}
func (PatternConfig) isRuleConfig()  {}
func (ProtocolConfig) isRuleConfig() {}
func (CustomConfig) isRuleConfig()   {}

// TrafficEvent is one inbound connection or request under evaluation. It is
// built per event by the capture or transport layer and discarded after the
// decision.
type TrafficEvent struct {
	SourceIP   netip.Addr
	SourcePort uint16
	DestIP     netip.Addr
	DestPort   uint16
	Protocol   string
	Path       string
	Query      string
	Headers    map[string]string
	Country    string
	ASN        uint32
	BackendID  string
	Bytes      int64
	Timestamp  time.Time
}

// Header returns the named header, case-insensitively, with an ok flag.
func (ev *TrafficEvent) Header(name string) (string, bool) {
	if ev == nil || len(ev.Headers) == 0 {
		return "", false
	}
	if v, ok := ev.Headers[name]; ok {
		return v, true
	}
	for k, v := range ev.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// When returns the event timestamp, falling back to now for unset clocks.
func (ev *TrafficEvent) When() time.Time {
	if ev == nil || ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}

// Decision is the outcome of resolving one traffic event. RuleID is empty
// when the default action applied.
type Decision struct {
	Action Action
	RuleID string
}

// MatchEvent records one rule match for telemetry sinks.
type MatchEvent struct {
	ID        string
	RuleID    string
	RuleName  string
	Action    Action
	BackendID string
	SourceIP  string
	Protocol  string
	Path      string
	Bytes     int64
	Timestamp time.Time
}

// Sink ingests match records. Implementations must not block; the engine
// calls Record on the decision path and ignores the outcome.
type Sink interface {
	Record(ev MatchEvent)
}
