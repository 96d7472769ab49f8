// Package core validates rule batches at load time.
package core

import (
	"github.com/hashicorp/go-multierror"
)

// ValidateRules checks a batch of rules without touching engine state. All
// violations across the whole batch are aggregated, each naming the
// offending rule and field.
func ValidateRules(rules []FilterRule) error {
	var result *multierror.Error
	seen := make(map[string]struct{}, len(rules))
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
		if _, errs := compileRule(rule, nil); len(errs) > 0 {
			for _, re := range errs {
				result = multierror.Append(result, re)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return Wrap(CodeInvalidRule, "rule validation failed", err)
	}
	return nil
}

func validateMeta(rule FilterRule) []*RuleError {
	var errs []*RuleError
	if rule.ID == "" {
		errs = append(errs, ruleErr(rule.ID, "id", "rule id is required"))
	}
	if rule.Name == "" {
		errs = append(errs, ruleErr(rule.ID, "name", "rule name is required"))
	}
	if !KnownAction(rule.Action) {
		errs = append(errs, ruleErr(rule.ID, "action", "unknown action %q", rule.Action))
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		errs = append(errs, ruleErr(rule.ID, "priority",
			"priority %d outside [%d, %d]", rule.Priority, MinPriority, MaxPriority))
	}
	return errs
}
