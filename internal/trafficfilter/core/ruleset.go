// Package core provides the active rule snapshot.
package core

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RuleSnapshot is an immutable compiled view of one loaded rule batch.
// Readers share it; a reload builds a new snapshot and swaps it in whole.
type RuleSnapshot struct {
	version  string
	loadedAt time.Time
	rules    []FilterRule
	eval     []*compiledRule
	byID     map[string]*compiledRule
}

func newRuleSnapshot(version string, compiled []*compiledRule) *RuleSnapshot {
	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority < compiled[j].rule.Priority
		}
		return compiled[i].rule.ID < compiled[j].rule.ID
	})

	snap := &RuleSnapshot{
		version:  version,
		loadedAt: time.Now(),
		rules:    make([]FilterRule, 0, len(compiled)),
		eval:     make([]*compiledRule, 0, len(compiled)),
		byID:     make(map[string]*compiledRule, len(compiled)),
	}
	for _, c := range compiled {
		snap.rules = append(snap.rules, c.rule)
		snap.byID[c.rule.ID] = c
		if c.rule.Enabled {
			snap.eval = append(snap.eval, c)
		}
	}
	return snap
}

// Version returns the snapshot version identifier.
func (s *RuleSnapshot) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

// LoadedAt returns when the snapshot was installed.
func (s *RuleSnapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Len returns the total rule count, disabled rules included.
func (s *RuleSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// EnabledLen returns the count of rules eligible for evaluation.
func (s *RuleSnapshot) EnabledLen() int {
	if s == nil {
		return 0
	}
	return len(s.eval)
}

// Rules returns the loaded rules in evaluation order. Config contents are
// shared and must be treated as read-only.
func (s *RuleSnapshot) Rules() []FilterRule {
	if s == nil {
		return nil
	}
	out := make([]FilterRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Rule returns one rule by id.
func (s *RuleSnapshot) Rule(id string) (FilterRule, bool) {
	if s == nil {
		return FilterRule{}, false
	}
	c, ok := s.byID[id]
	if !ok {
		return FilterRule{}, false
	}
	return c.rule, true
}

// ActiveRulesFor returns the enabled rules applying to a backend, in
// evaluation order: global rules plus rules scoped to that backend, sorted
// ascending by priority with ties broken by rule id.
func (s *RuleSnapshot) ActiveRulesFor(backendID string) []FilterRule {
	if s == nil {
		return nil
	}
	out := make([]FilterRule, 0, len(s.eval))
	for _, c := range s.eval {
		if c.rule.BackendID != "" && c.rule.BackendID != backendID {
			continue
		}
		out = append(out, c.rule)
	}
	return out
}

// fingerprints returns rule id -> definition fingerprint for reload
// comparison.
func (s *RuleSnapshot) fingerprints() map[string]string {
	if s == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(s.byID))
	for id, c := range s.byID {
		out[id] = c.fingerprint
	}
	return out
}

// RuleSet holds the active snapshot behind an atomic swap. Mutation never
// edits a published snapshot in place.
type RuleSet struct {
	mu   sync.Mutex
	snap atomic.Value
}

// NewRuleSet constructs a rule set with an empty active snapshot.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{}
	rs.snap.Store(newRuleSnapshot("", nil))
	return rs
}

// Snapshot returns the active snapshot.
func (rs *RuleSet) Snapshot() *RuleSnapshot {
	if rs == nil {
		return nil
	}
	snap, _ := rs.snap.Load().(*RuleSnapshot)
	return snap
}

// Replace installs a new snapshot.
func (rs *RuleSet) Replace(snap *RuleSnapshot) {
	if rs == nil || snap == nil {
		return
	}
	rs.mu.Lock()
	rs.snap.Store(snap)
	rs.mu.Unlock()
}
