// Package httptransport provides HTTP transport models.
package httptransport

import (
	"net/netip"
	"sync"
	"time"

	"trafficfilter/internal/trafficfilter/core"
)

type HTTPResolveRequest struct {
	SourceIP   string            `json:"sourceIP"`
	SourcePort uint16            `json:"sourcePort"`
	DestIP     string            `json:"destIP"`
	DestPort   uint16            `json:"destPort"`
	Protocol   string            `json:"protocol"`
	Path       string            `json:"path"`
	Query      string            `json:"query"`
	Headers    map[string]string `json:"headers"`
	Country    string            `json:"country"`
	ASN        uint32            `json:"asn"`
	BackendID  string            `json:"backendID"`
	Bytes      int64             `json:"bytes"`
	Timestamp  time.Time         `json:"timestamp"`
}

type HTTPResolveResponse struct {
	Action string `json:"action"`
	RuleID string `json:"ruleID,omitempty"`
}

type HTTPRuleResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Action      string         `json:"action"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
	BackendID   string         `json:"backendID,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Matches     uint64         `json:"matches"`
}

type HTTPStatusResponse struct {
	SnapshotVersion string              `json:"snapshotVersion"`
	LoadedAt        time.Time           `json:"loadedAt"`
	Rules           int                 `json:"rules"`
	Enabled         int                 `json:"enabled"`
	Mode            string              `json:"mode"`
	Limiter         HTTPLimiterStats    `json:"limiter"`
	Telemetry       *HTTPTelemetryStats `json:"telemetry,omitempty"`
}

type HTTPLimiterStats struct {
	Entries   int   `json:"entries"`
	Sweeps    int64 `json:"sweeps"`
	Evictions int64 `json:"evictions"`
}

type HTTPTelemetryStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

type HTTPReloadResponse struct {
	SnapshotVersion string `json:"snapshotVersion"`
	Rules           int    `json:"rules"`
	Enabled         int    `json:"enabled"`
}

type HTTPModeRequest struct {
	Mode string `json:"mode"`
}

type HTTPModeResponse struct {
	Mode string `json:"mode"`
}

func toTrafficEvent(req HTTPResolveRequest) (core.TrafficEvent, error) {
	ev := core.TrafficEvent{
		SourcePort: req.SourcePort,
		DestPort:   req.DestPort,
		Protocol:   req.Protocol,
		Path:       req.Path,
		Query:      req.Query,
		Headers:    req.Headers,
		Country:    req.Country,
		ASN:        req.ASN,
		BackendID:  req.BackendID,
		Bytes:      req.Bytes,
		Timestamp:  req.Timestamp,
	}
	if req.SourceIP != "" {
		addr, err := netip.ParseAddr(req.SourceIP)
		if err != nil {
			return core.TrafficEvent{}, core.Wrap(core.CodeInvalidInput, "parse sourceIP "+req.SourceIP, err)
		}
		ev.SourceIP = addr
	}
	if req.DestIP != "" {
		addr, err := netip.ParseAddr(req.DestIP)
		if err != nil {
			return core.TrafficEvent{}, core.Wrap(core.CodeInvalidInput, "parse destIP "+req.DestIP, err)
		}
		ev.DestIP = addr
	}
	return ev, nil
}

func fromFilterRule(rule core.FilterRule, matches uint64) HTTPRuleResponse {
	return HTTPRuleResponse{
		ID:          rule.ID,
		Name:        rule.Name,
		Description: rule.Description,
		Type:        string(rule.Type),
		Action:      string(rule.Action),
		Priority:    rule.Priority,
		Enabled:     rule.Enabled,
		BackendID:   rule.BackendID,
		Config:      fromRuleConfig(rule.Config),
		Matches:     matches,
	}
}

func fromRuleConfig(cfg core.RuleConfig) map[string]any {
	switch c := cfg.(type) {
	case core.IPConfig:
		return map[string]any{"entries": c.Entries}
	case core.GeoConfig:
		return map[string]any{"countries": c.Countries}
	case core.RateConfig:
		return map[string]any{"tokensPerSecond": c.TokensPerSecond, "bucketSize": c.BucketSize}
	case core.PatternConfig:
		m := map[string]any{"expr": c.Expr, "target": c.Target}
		if c.Header != "" {
			m["header"] = c.Header
		}
		return m
	case core.ProtocolConfig:
		return map[string]any{"protocol": c.Protocol}
	case core.CustomConfig:
		return map[string]any{"expression": c.Expression}
	}
	return nil
}

func fromEngineStatus(status core.EngineStatus) HTTPStatusResponse {
	return HTTPStatusResponse{
		SnapshotVersion: status.SnapshotVersion,
		LoadedAt:        status.LoadedAt,
		Rules:           status.Rules,
		Enabled:         status.Enabled,
		Mode:            status.Mode,
		Limiter: HTTPLimiterStats{
			Entries:   status.Limiter.Entries,
			Sweeps:    status.Limiter.Sweeps,
			Evictions: status.Limiter.Evictions,
		},
	}
}

// ResponsePool pools HTTPResolveResponse values for the hot decision path.
type ResponsePool struct {
	pool sync.Pool
}

// NewResponsePool constructs a response pool.
func NewResponsePool() *ResponsePool {
	return &ResponsePool{pool: sync.Pool{New: func() any {
		return &HTTPResolveResponse{}
	}}}
}

// Get returns a reset response.
func (rp *ResponsePool) Get() *HTTPResolveResponse {
	if rp == nil {
		return &HTTPResolveResponse{}
	}
	resp := rp.pool.Get().(*HTTPResolveResponse)
	resetResolveResponse(resp)
	return resp
}

// Put resets and returns a response to the pool.
func (rp *ResponsePool) Put(resp *HTTPResolveResponse) {
	if rp == nil || resp == nil {
		return
	}
	resetResolveResponse(resp)
	rp.pool.Put(resp)
}

func resetResolveResponse(resp *HTTPResolveResponse) {
	if resp == nil {
		return
	}
	resp.Action = ""
	resp.RuleID = ""
}
