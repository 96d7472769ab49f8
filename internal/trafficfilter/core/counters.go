// Package core tracks per-rule match totals.
package core

import (
	"sync"
	"sync/atomic"
)

// MatchCounters tracks monotonically increasing per-rule match totals. A
// counter lives as long as its rule id stays loaded, across reloads.
type MatchCounters struct {
	counters sync.Map
}

// NewMatchCounters constructs an empty counter registry.
func NewMatchCounters() *MatchCounters {
	return &MatchCounters{}
}

// Increment adds one match for the rule.
func (c *MatchCounters) Increment(ruleID string) {
	if c == nil || ruleID == "" {
		return
	}
	if v, ok := c.counters.Load(ruleID); ok {
		v.(*atomic.Uint64).Add(1)
		return
	}
	v, _ := c.counters.LoadOrStore(ruleID, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Count returns the total for one rule.
func (c *MatchCounters) Count(ruleID string) uint64 {
	if c == nil {
		return 0
	}
	v, ok := c.counters.Load(ruleID)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// Snapshot returns all totals keyed by rule id.
func (c *MatchCounters) Snapshot() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	out := make(map[string]uint64)
	c.counters.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Prune drops counters for rule ids not in keep.
func (c *MatchCounters) Prune(keep map[string]struct{}) {
	if c == nil {
		return
	}
	c.counters.Range(func(key, value any) bool {
		if _, ok := keep[key.(string)]; !ok {
			c.counters.Delete(key)
		}
		return true
	})
}
