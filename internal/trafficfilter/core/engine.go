// Package core resolves traffic events against the active rule set.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"trafficfilter/internal/trafficfilter/observability"
)

// EngineOptions configures a decision engine. Zero-value dependencies fall
// back to noop implementations.
type EngineOptions struct {
	Logger  observability.Logger
	Tracer  observability.Tracer
	Sampler observability.Sampler
	Metrics observability.Metrics
	Sink    Sink
	Limiter LimiterPolicy
	Mode    Mode
}

// Engine is the decision core: it owns the active rule snapshot, the keyed
// token buckets, and the per-rule match counters.
type Engine struct {
	rules    *RuleSet
	limits   *LimiterStore
	counters *MatchCounters
	mode     *ModeController
	sink     Sink
	logger   observability.Logger
	tracer   observability.Tracer
	sampler  observability.Sampler
	metrics  observability.Metrics
}

// LoadResult summarizes an applied rule batch.
type LoadResult struct {
	Version  string
	Rules    int
	Enabled  int
	LoadedAt time.Time
}

// EngineStatus reports the engine state for operational surfaces.
type EngineStatus struct {
	SnapshotVersion string
	LoadedAt        time.Time
	Rules           int
	Enabled         int
	Mode            string
	Limiter         LimiterStats
}

// NewEngine constructs an engine with an empty rule set.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer{}
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = observability.NewHashSampler(0)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Engine{
		rules:    NewRuleSet(),
		limits:   NewLimiterStore(opts.Limiter),
		counters: NewMatchCounters(),
		mode:     NewModeController(opts.Mode, logger),
		sink:     opts.Sink,
		logger:   logger,
		tracer:   tracer,
		sampler:  sampler,
		metrics:  metrics,
	}
}

// LoadRules validates and atomically installs a rule batch. On any
// validation failure the whole batch is rejected and the previously active
// snapshot stays in place. Counters and limiter state carry over for rules
// that survive the reload.
func (e *Engine) LoadRules(rules []FilterRule) (*LoadResult, error) {
	if e == nil {
		return nil, ErrNotFound
	}
	var result *multierror.Error
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]*compiledRule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		for _, re := range validateMeta(rule) {
			result = multierror.Append(result, re)
		}
		if rule.ID != "" {
			if _, dup := seen[rule.ID]; dup {
				result = multierror.Append(result, ruleErr(rule.ID, "id", "duplicate rule id"))
			}
			seen[rule.ID] = struct{}{}
		}
		c, errs := compileRule(rule, e.limits)
		if len(errs) > 0 {
			for _, re := range errs {
				result = multierror.Append(result, re)
			}
			continue
		}
		compiled = append(compiled, c)
	}
	if err := result.ErrorOrNil(); err != nil {
		e.metrics.IncReload("rejected")
		e.logger.Warn("rule batch rejected", map[string]any{
			"rules":      len(rules),
			"violations": result.Len(),
		})
		return nil, Wrap(CodeInvalidRule, "rule validation failed", err)
	}

	prior := e.rules.Snapshot().fingerprints()
	snap := newRuleSnapshot(uuid.NewString(), compiled)
	changed := 0
	for id, fp := range snap.fingerprints() {
		if prior[id] != fp {
			changed++
		}
	}
	e.rules.Replace(snap)
	e.counters.Prune(seen)
	e.metrics.IncReload("applied")
	e.logger.Info("rules loaded", map[string]any{
		"version": snap.Version(),
		"rules":   snap.Len(),
		"enabled": snap.EnabledLen(),
		"changed": changed,
	})
	return &LoadResult{
		Version:  snap.Version(),
		Rules:    snap.Len(),
		Enabled:  snap.EnabledLen(),
		LoadedAt: snap.LoadedAt(),
	}, nil
}

// Resolve evaluates one traffic event and returns its decision. It never
// fails: anomalies demote individual rules to non-matches and unmatched
// events fall through to allow.
func (e *Engine) Resolve(ctx context.Context, ev *TrafficEvent) Decision {
	if e == nil || ev == nil {
		return Decision{Action: ActionAllow}
	}
	start := time.Now()
	mode := e.mode.Mode()
	if mode == ModeBypass {
		e.metrics.IncDecision(string(ActionAllow), mode.String())
		return Decision{Action: ActionAllow}
	}

	var span observability.Span
	if sourceKey := traceKey(ev); e.sampler.Sampled(sourceKey) {
		_, span = e.tracer.StartSpan(ctx, "engine.resolve")
		span.SetAttribute("backend_id", ev.BackendID)
		defer span.End()
	}

	snap := e.rules.Snapshot()
	var matched *compiledRule
	for _, c := range snap.eval {
		if c.rule.BackendID != "" && c.rule.BackendID != ev.BackendID {
			continue
		}
		ok, err := c.matcher.match(ev)
		if err != nil {
			e.metrics.IncAnomaly(string(c.rule.Type))
			e.logger.Debug("matcher anomaly treated as non-match", map[string]any{
				"rule_id":   c.rule.ID,
				"rule_type": string(c.rule.Type),
				"error":     err.Error(),
			})
			continue
		}
		if ok {
			matched = c
			break
		}
	}

	decision := Decision{Action: ActionAllow}
	if matched != nil {
		e.counters.Increment(matched.rule.ID)
		e.emitMatch(matched, ev)
		decision.RuleID = matched.rule.ID
		if mode != ModeObserve {
			decision.Action = matched.rule.Action
		}
	}

	e.metrics.IncDecision(string(decision.Action), mode.String())
	e.metrics.ObserveResolve(time.Since(start))
	if span != nil {
		span.SetAttribute("action", string(decision.Action))
		if decision.RuleID != "" {
			span.SetAttribute("rule_id", decision.RuleID)
		}
	}
	return decision
}

func (e *Engine) emitMatch(c *compiledRule, ev *TrafficEvent) {
	if e.sink == nil {
		return
	}
	var source string
	if ev.SourceIP.IsValid() {
		source = ev.SourceIP.Unmap().String()
	}
	e.sink.Record(MatchEvent{
		RuleID:    c.rule.ID,
		RuleName:  c.rule.Name,
		Action:    c.rule.Action,
		BackendID: ev.BackendID,
		SourceIP:  source,
		Protocol:  ev.Protocol,
		Path:      ev.Path,
		Bytes:     ev.Bytes,
		Timestamp: ev.When(),
	})
}

// ActiveRulesFor returns the enabled rules applying to a backend in
// evaluation order.
func (e *Engine) ActiveRulesFor(backendID string) []FilterRule {
	if e == nil {
		return nil
	}
	return e.rules.Snapshot().ActiveRulesFor(backendID)
}

// Rules returns all loaded rules in evaluation order.
func (e *Engine) Rules() []FilterRule {
	if e == nil {
		return nil
	}
	return e.rules.Snapshot().Rules()
}

// Rule returns one loaded rule by id.
func (e *Engine) Rule(id string) (FilterRule, bool) {
	if e == nil {
		return FilterRule{}, false
	}
	return e.rules.Snapshot().Rule(id)
}

// MatchCount returns the match total for one rule.
func (e *Engine) MatchCount(ruleID string) uint64 {
	if e == nil {
		return 0
	}
	return e.counters.Count(ruleID)
}

// MatchCounts returns all match totals keyed by rule id.
func (e *Engine) MatchCounts() map[string]uint64 {
	if e == nil {
		return map[string]uint64{}
	}
	return e.counters.Snapshot()
}

// Mode returns the current operating mode.
func (e *Engine) Mode() Mode {
	if e == nil {
		return ModeEnforce
	}
	return e.mode.Mode()
}

// SetMode switches the operating mode.
func (e *Engine) SetMode(mode Mode) {
	if e == nil {
		return
	}
	e.mode.Set(mode)
}

// Status reports the engine state.
func (e *Engine) Status() EngineStatus {
	if e == nil {
		return EngineStatus{}
	}
	snap := e.rules.Snapshot()
	return EngineStatus{
		SnapshotVersion: snap.Version(),
		LoadedAt:        snap.LoadedAt(),
		Rules:           snap.Len(),
		Enabled:         snap.EnabledLen(),
		Mode:            e.mode.Mode().String(),
		Limiter:         e.limits.Stats(),
	}
}

// Run performs background maintenance until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil {
		return ErrNotFound
	}
	return e.limits.Run(ctx)
}

// SweepLimiters triggers one limiter sweep, for operational tooling.
func (e *Engine) SweepLimiters(now time.Time) int {
	if e == nil {
		return 0
	}
	return e.limits.Sweep(now)
}

func traceKey(ev *TrafficEvent) string {
	if ev.SourceIP.IsValid() {
		return ev.SourceIP.String()
	}
	return ev.BackendID
}
