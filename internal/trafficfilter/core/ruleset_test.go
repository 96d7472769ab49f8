package core

import (
	"testing"
)

func compileAll(t *testing.T, rules []FilterRule) []*compiledRule {
	t.Helper()
	compiled := make([]*compiledRule, 0, len(rules))
	for _, rule := range rules {
		compiled = append(compiled, mustCompile(t, rule))
	}
	return compiled
}

func TestRuleSnapshot_OrdersByPriorityThenID(t *testing.T) {
	t.Parallel()

	snap := newRuleSnapshot("v1", compileAll(t, []FilterRule{
		{ID: "c", Name: "c", Type: RuleTypeGeo, Action: ActionBlock, Priority: 20, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
		{ID: "b", Name: "b", Type: RuleTypeGeo, Action: ActionBlock, Priority: 10, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
		{ID: "a", Name: "a", Type: RuleTypeGeo, Action: ActionBlock, Priority: 10, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
	}))

	rules := snap.Rules()
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].ID != "a" || rules[1].ID != "b" || rules[2].ID != "c" {
		t.Fatalf("unexpected order: %s %s %s", rules[0].ID, rules[1].ID, rules[2].ID)
	}
}

func TestRuleSnapshot_DisabledExcludedFromEval(t *testing.T) {
	t.Parallel()

	snap := newRuleSnapshot("v1", compileAll(t, []FilterRule{
		{ID: "on", Name: "on", Type: RuleTypeGeo, Action: ActionBlock, Priority: 1, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
		{ID: "off", Name: "off", Type: RuleTypeGeo, Action: ActionBlock, Priority: 2, Enabled: false, Config: GeoConfig{Countries: []string{"DE"}}},
	}))

	if snap.Len() != 2 {
		t.Fatalf("expected 2 loaded rules, got %d", snap.Len())
	}
	if snap.EnabledLen() != 1 {
		t.Fatalf("expected 1 enabled rule, got %d", snap.EnabledLen())
	}
	if _, ok := snap.Rule("off"); !ok {
		t.Fatalf("expected disabled rule to stay visible by id")
	}
	active := snap.ActiveRulesFor("")
	if len(active) != 1 || active[0].ID != "on" {
		t.Fatalf("unexpected active rules: %#v", active)
	}
}

func TestRuleSnapshot_ActiveRulesForBackend(t *testing.T) {
	t.Parallel()

	snap := newRuleSnapshot("v1", compileAll(t, []FilterRule{
		{ID: "global", Name: "global", Type: RuleTypeGeo, Action: ActionBlock, Priority: 1, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
		{ID: "scoped-a", Name: "a only", Type: RuleTypeGeo, Action: ActionBlock, Priority: 2, Enabled: true, BackendID: "backend-a", Config: GeoConfig{Countries: []string{"DE"}}},
		{ID: "scoped-b", Name: "b only", Type: RuleTypeGeo, Action: ActionBlock, Priority: 3, Enabled: true, BackendID: "backend-b", Config: GeoConfig{Countries: []string{"DE"}}},
	}))

	active := snap.ActiveRulesFor("backend-a")
	if len(active) != 2 {
		t.Fatalf("expected 2 rules for backend-a, got %d", len(active))
	}
	if active[0].ID != "global" || active[1].ID != "scoped-a" {
		t.Fatalf("unexpected rules for backend-a: %s %s", active[0].ID, active[1].ID)
	}

	active = snap.ActiveRulesFor("backend-c")
	if len(active) != 1 || active[0].ID != "global" {
		t.Fatalf("expected only the global rule for backend-c, got %#v", active)
	}
}

func TestRuleSnapshot_RulesReturnsCopy(t *testing.T) {
	t.Parallel()

	snap := newRuleSnapshot("v1", compileAll(t, []FilterRule{
		{ID: "a", Name: "a", Type: RuleTypeGeo, Action: ActionBlock, Priority: 1, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
	}))

	rules := snap.Rules()
	rules[0].ID = "mutated"

	again := snap.Rules()
	if again[0].ID != "a" {
		t.Fatalf("expected snapshot to be immune to caller mutation, got %s", again[0].ID)
	}
}

func TestRuleSet_ReplaceSwapsWhole(t *testing.T) {
	t.Parallel()

	set := NewRuleSet()
	first := set.Snapshot()
	if first.Len() != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", first.Len())
	}
	if first.Version() != "" {
		t.Fatalf("expected empty initial version, got %q", first.Version())
	}

	set.Replace(newRuleSnapshot("v1", compileAll(t, []FilterRule{
		{ID: "a", Name: "a", Type: RuleTypeGeo, Action: ActionBlock, Priority: 1, Enabled: true, Config: GeoConfig{Countries: []string{"DE"}}},
	})))

	second := set.Snapshot()
	if second.Version() != "v1" || second.Len() != 1 {
		t.Fatalf("unexpected snapshot after replace: %s %d", second.Version(), second.Len())
	}
	if first.Len() != 0 {
		t.Fatalf("expected old snapshot to stay frozen, got %d", first.Len())
	}
}
