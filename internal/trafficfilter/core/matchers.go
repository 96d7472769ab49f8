// Package core compiles rule configs into executable matchers.
package core

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/segmentio/fasthash/fnv1a"
)

// matcher is a compiled predicate evaluated once per event. Matchers other
// than rate are pure. A non-nil error is an evaluation anomaly: the engine
// logs it and treats the rule as a non-match.
type matcher interface {
	match(ev *TrafficEvent) (bool, error)
}

// compiledRule pairs a rule with its executable predicate.
type compiledRule struct {
	rule        FilterRule
	matcher     matcher
	fingerprint string
}

// compileRule validates a rule's config and builds its matcher. All reported
// problems are *RuleError values naming the offending field.
func compileRule(rule FilterRule, limits *LimiterStore) (*compiledRule, []*RuleError) {
	var errs []*RuleError
	var m matcher

	switch rule.Type {
	case RuleTypeIP:
		cfg, ok := rule.Config.(IPConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		if len(cfg.Entries) == 0 {
			return nil, append(errs, ruleErr(rule.ID, "config.entries", "at least one IP or CIDR entry is required"))
		}
		prefixes := make([]netip.Prefix, 0, len(cfg.Entries))
		for _, entry := range cfg.Entries {
			prefix, err := parseIPEntry(entry)
			if err != nil {
				errs = append(errs, ruleErr(rule.ID, "config.entries", "invalid entry %q: %v", entry, err))
				continue
			}
			prefixes = append(prefixes, prefix)
		}
		m = &ipMatcher{prefixes: prefixes}

	case RuleTypeGeo:
		cfg, ok := rule.Config.(GeoConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		if len(cfg.Countries) == 0 {
			return nil, append(errs, ruleErr(rule.ID, "config.countries", "at least one country code is required"))
		}
		countries := make(map[string]struct{}, len(cfg.Countries))
		for _, code := range cfg.Countries {
			trimmed := strings.ToUpper(strings.TrimSpace(code))
			if len(trimmed) != 2 {
				errs = append(errs, ruleErr(rule.ID, "config.countries", "invalid country code %q", code))
				continue
			}
			countries[trimmed] = struct{}{}
		}
		m = &geoMatcher{countries: countries}

	case RuleTypeRate:
		cfg, ok := rule.Config.(RateConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		if cfg.TokensPerSecond <= 0 {
			errs = append(errs, ruleErr(rule.ID, "config.tokensPerSecond", "must be greater than zero"))
		}
		if cfg.BucketSize < 1 {
			errs = append(errs, ruleErr(rule.ID, "config.bucketSize", "must be at least 1"))
		}
		if float64(cfg.BucketSize) < cfg.TokensPerSecond {
			errs = append(errs, ruleErr(rule.ID, "config.bucketSize",
				"bucket size %d is smaller than refill rate %g", cfg.BucketSize, cfg.TokensPerSecond))
		}
		m = &rateMatcher{
			limits:  limits,
			ruleID:  rule.ID,
			version: rateVersion(cfg),
			tps:     cfg.TokensPerSecond,
			burst:   cfg.BucketSize,
		}

	case RuleTypePattern:
		cfg, ok := rule.Config.(PatternConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		if cfg.Expr == "" {
			errs = append(errs, ruleErr(rule.ID, "config.expr", "expression is required"))
		}
		target := cfg.Target
		if target == "" {
			target = PatternTargetPath
		}
		switch target {
		case PatternTargetPath, PatternTargetQuery:
		case PatternTargetHeader:
			if cfg.Header == "" {
				errs = append(errs, ruleErr(rule.ID, "config.header", "header name is required for header target"))
			}
		default:
			errs = append(errs, ruleErr(rule.ID, "config.target", "unknown target %q", cfg.Target))
		}
		re, err := regexp.Compile(cfg.Expr)
		if err != nil {
			errs = append(errs, ruleErr(rule.ID, "config.expr", "invalid regular expression: %v", err))
		}
		m = &patternMatcher{re: re, target: target, header: cfg.Header}

	case RuleTypeProtocol:
		cfg, ok := rule.Config.(ProtocolConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		if cfg.Protocol == "" {
			errs = append(errs, ruleErr(rule.ID, "config.protocol", "protocol tag is required"))
		}
		m = &protocolMatcher{tag: strings.ToLower(cfg.Protocol)}

	case RuleTypeCustom:
		cfg, ok := rule.Config.(CustomConfig)
		if !ok {
			return nil, append(errs, configMismatch(rule))
		}
		prog, err := parseExpression(cfg.Expression)
		if err != nil {
			errs = append(errs, ruleErr(rule.ID, "config.expression", "invalid expression: %v", err))
		}
		m = &customMatcher{prog: prog}

	default:
		return nil, append(errs, ruleErr(rule.ID, "type", "unknown rule type %q", rule.Type))
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &compiledRule{rule: rule, matcher: m, fingerprint: fingerprintConfig(rule)}, nil
}

func configMismatch(rule FilterRule) *RuleError {
	if rule.Config == nil {
		return ruleErr(rule.ID, "config", "config is required for type %q", rule.Type)
	}
	return ruleErr(rule.ID, "config", "config variant does not match type %q", rule.Type)
}

// parseIPEntry parses an IP or CIDR entry; a bare IP becomes a /32 or /128.
func parseIPEntry(entry string) (netip.Prefix, error) {
	trimmed := strings.TrimSpace(entry)
	if strings.Contains(trimmed, "/") {
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// rateVersion fingerprints rate parameters so edited rules get fresh buckets.
func rateVersion(cfg RateConfig) string {
	h := fnv1a.HashString64("rate|" + strconv.FormatFloat(cfg.TokensPerSecond, 'g', -1, 64) +
		"|" + strconv.Itoa(cfg.BucketSize))
	return strconv.FormatUint(h, 16)
}

// fingerprintConfig produces a stable identity for a rule's definition, used
// to detect changed rules across reloads.
func fingerprintConfig(rule FilterRule) string {
	var b strings.Builder
	b.WriteString(string(rule.Type))
	b.WriteByte('|')
	b.WriteString(string(rule.Action))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(rule.Priority))
	b.WriteByte('|')
	b.WriteString(rule.BackendID)
	b.WriteByte('|')
	switch cfg := rule.Config.(type) {
	case IPConfig:
		b.WriteString(strings.Join(cfg.Entries, ","))
	case GeoConfig:
		b.WriteString(strings.Join(cfg.Countries, ","))
	case RateConfig:
		b.WriteString(rateVersion(cfg))
	case PatternConfig:
		b.WriteString(cfg.Expr + "|" + cfg.Target + "|" + cfg.Header)
	case ProtocolConfig:
		b.WriteString(cfg.Protocol)
	case CustomConfig:
		b.WriteString(cfg.Expression)
	}
	return strconv.FormatUint(fnv1a.HashString64(b.String()), 16)
}

// ipMatcher tests source IP membership against compiled prefixes.
type ipMatcher struct {
	prefixes []netip.Prefix
}

func (m *ipMatcher) match(ev *TrafficEvent) (bool, error) {
	if !ev.SourceIP.IsValid() {
		return false, nil
	}
	addr := ev.SourceIP.Unmap()
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// geoMatcher tests the event country against the configured set.
type geoMatcher struct {
	countries map[string]struct{}
}

func (m *geoMatcher) match(ev *TrafficEvent) (bool, error) {
	if ev.Country == "" {
		return false, nil
	}
	_, ok := m.countries[strings.ToUpper(ev.Country)]
	return ok, nil
}

// patternMatcher applies a regexp search to the configured target field.
type patternMatcher struct {
	re     *regexp.Regexp
	target string
	header string
}

func (m *patternMatcher) match(ev *TrafficEvent) (bool, error) {
	var value string
	switch m.target {
	case PatternTargetPath:
		value = ev.Path
	case PatternTargetQuery:
		value = ev.Query
	case PatternTargetHeader:
		v, ok := ev.Header(m.header)
		if !ok {
			return false, nil
		}
		value = v
	}
	if value == "" {
		return false, nil
	}
	return m.re.MatchString(value), nil
}

// protocolMatcher tests the classified protocol tag for equality.
type protocolMatcher struct {
	tag string
}

func (m *protocolMatcher) match(ev *TrafficEvent) (bool, error) {
	if ev.Protocol == "" {
		return false, nil
	}
	return strings.EqualFold(ev.Protocol, m.tag), nil
}

// customMatcher evaluates a parsed expression program.
type customMatcher struct {
	prog exprNode
}

func (m *customMatcher) match(ev *TrafficEvent) (bool, error) {
	return m.prog.eval(ev)
}

// rateMatcher charges the event source against the rule's token bucket. The
// rule matches once the budget is exhausted.
type rateMatcher struct {
	limits  *LimiterStore
	ruleID  string
	version string
	tps     float64
	burst   int
}

func (m *rateMatcher) match(ev *TrafficEvent) (bool, error) {
	if m.limits == nil || !ev.SourceIP.IsValid() {
		return false, nil
	}
	allowed := m.limits.Allow(m.ruleID, m.version, m.tps, m.burst, ev.SourceIP.Unmap().String(), ev.When())
	return !allowed, nil
}
