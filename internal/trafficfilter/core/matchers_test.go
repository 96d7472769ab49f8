package core

import (
	"net/netip"
	"testing"
	"time"
)

func hasFieldError(errs []*RuleError, field string) bool {
	for _, re := range errs {
		if re.Field == field {
			return true
		}
	}
	return false
}

func mustCompile(t *testing.T, rule FilterRule) *compiledRule {
	t.Helper()
	c, errs := compileRule(rule, nil)
	if len(errs) > 0 {
		t.Fatalf("rule %s failed to compile: %v", rule.ID, errs)
	}
	return c
}

func TestCompileRule_IP_MatchesExactAndCIDR(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, FilterRule{
		ID: "ip-1", Name: "block list", Type: RuleTypeIP, Action: ActionBlock, Enabled: true,
		Config: IPConfig{Entries: []string{"192.0.2.7", "10.0.0.0/8", "2001:db8::/32"}},
	})

	cases := []struct {
		source string
		want   bool
	}{
		{"192.0.2.7", true},
		{"192.0.2.8", false},
		{"10.1.2.3", true},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"::ffff:10.1.2.3", true},
	}
	for _, tc := range cases {
		ev := &TrafficEvent{SourceIP: netip.MustParseAddr(tc.source)}
		got, err := c.matcher.match(ev)
		if err != nil {
			t.Fatalf("source %s: unexpected error: %v", tc.source, err)
		}
		if got != tc.want {
			t.Fatalf("source %s: expected %v, got %v", tc.source, tc.want, got)
		}
	}

	got, err := c.matcher.match(&TrafficEvent{})
	if err != nil || got {
		t.Fatalf("expected invalid source to miss, got %v err %v", got, err)
	}
}

func TestCompileRule_IP_UnmaskedCIDRNormalized(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, FilterRule{
		ID: "ip-2", Name: "sloppy cidr", Type: RuleTypeIP, Action: ActionBlock, Enabled: true,
		Config: IPConfig{Entries: []string{"10.1.2.3/8"}},
	})
	got, err := c.matcher.match(&TrafficEvent{SourceIP: netip.MustParseAddr("10.200.0.1")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatalf("expected host bits to be masked away")
	}
}

func TestCompileRule_IP_Invalid(t *testing.T) {
	t.Parallel()

	_, errs := compileRule(FilterRule{
		ID: "ip-3", Name: "bad", Type: RuleTypeIP, Action: ActionBlock,
		Config: IPConfig{Entries: []string{"not-an-ip"}},
	}, nil)
	if !hasFieldError(errs, "config.entries") {
		t.Fatalf("expected config.entries error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "ip-4", Name: "empty", Type: RuleTypeIP, Action: ActionBlock,
		Config: IPConfig{},
	}, nil)
	if !hasFieldError(errs, "config.entries") {
		t.Fatalf("expected config.entries error, got %v", errs)
	}
}

func TestCompileRule_Geo(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, FilterRule{
		ID: "geo-1", Name: "embargo", Type: RuleTypeGeo, Action: ActionBlock, Enabled: true,
		Config: GeoConfig{Countries: []string{"de", " FR "}},
	})

	for _, country := range []string{"DE", "de", "fr"} {
		got, err := c.matcher.match(&TrafficEvent{Country: country})
		if err != nil || !got {
			t.Fatalf("country %s: expected match, got %v err %v", country, got, err)
		}
	}
	got, err := c.matcher.match(&TrafficEvent{Country: "US"})
	if err != nil || got {
		t.Fatalf("expected US to miss, got %v err %v", got, err)
	}
	got, err = c.matcher.match(&TrafficEvent{})
	if err != nil || got {
		t.Fatalf("expected unknown country to miss, got %v err %v", got, err)
	}

	_, errs := compileRule(FilterRule{
		ID: "geo-2", Name: "bad", Type: RuleTypeGeo, Action: ActionBlock,
		Config: GeoConfig{Countries: []string{"DEU"}},
	}, nil)
	if !hasFieldError(errs, "config.countries") {
		t.Fatalf("expected config.countries error, got %v", errs)
	}
}

func TestCompileRule_Pattern(t *testing.T) {
	t.Parallel()

	path := mustCompile(t, FilterRule{
		ID: "pat-1", Name: "login probe", Type: RuleTypePattern, Action: ActionChallenge, Enabled: true,
		Config: PatternConfig{Expr: `^/wp-admin`},
	})
	got, err := path.matcher.match(&TrafficEvent{Path: "/wp-admin/setup.php"})
	if err != nil || !got {
		t.Fatalf("expected path match, got %v err %v", got, err)
	}
	got, err = path.matcher.match(&TrafficEvent{Path: "/index.html"})
	if err != nil || got {
		t.Fatalf("expected path miss, got %v err %v", got, err)
	}
	got, err = path.matcher.match(&TrafficEvent{})
	if err != nil || got {
		t.Fatalf("expected empty path to miss, got %v err %v", got, err)
	}

	query := mustCompile(t, FilterRule{
		ID: "pat-2", Name: "sqli probe", Type: RuleTypePattern, Action: ActionBlock, Enabled: true,
		Config: PatternConfig{Expr: `union\s+select`, Target: PatternTargetQuery},
	})
	got, err = query.matcher.match(&TrafficEvent{Query: "id=1+union select+*"})
	if err != nil || !got {
		t.Fatalf("expected query match, got %v err %v", got, err)
	}

	header := mustCompile(t, FilterRule{
		ID: "pat-3", Name: "scanner ua", Type: RuleTypePattern, Action: ActionBlock, Enabled: true,
		Config: PatternConfig{Expr: `(?i)sqlmap`, Target: PatternTargetHeader, Header: "User-Agent"},
	})
	got, err = header.matcher.match(&TrafficEvent{Headers: map[string]string{"user-agent": "SQLMap/1.7"}})
	if err != nil || !got {
		t.Fatalf("expected header match, got %v err %v", got, err)
	}
	got, err = header.matcher.match(&TrafficEvent{Headers: map[string]string{"Accept": "*/*"}})
	if err != nil || got {
		t.Fatalf("expected missing header to miss, got %v err %v", got, err)
	}
}

func TestCompileRule_Pattern_Invalid(t *testing.T) {
	t.Parallel()

	_, errs := compileRule(FilterRule{
		ID: "pat-4", Name: "bad regex", Type: RuleTypePattern, Action: ActionBlock,
		Config: PatternConfig{Expr: `([`},
	}, nil)
	if !hasFieldError(errs, "config.expr") {
		t.Fatalf("expected config.expr error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "pat-5", Name: "no header", Type: RuleTypePattern, Action: ActionBlock,
		Config: PatternConfig{Expr: `x`, Target: PatternTargetHeader},
	}, nil)
	if !hasFieldError(errs, "config.header") {
		t.Fatalf("expected config.header error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "pat-6", Name: "bad target", Type: RuleTypePattern, Action: ActionBlock,
		Config: PatternConfig{Expr: `x`, Target: "body"},
	}, nil)
	if !hasFieldError(errs, "config.target") {
		t.Fatalf("expected config.target error, got %v", errs)
	}
}

func TestCompileRule_Protocol(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, FilterRule{
		ID: "proto-1", Name: "udp flood", Type: RuleTypeProtocol, Action: ActionBlock, Enabled: true,
		Config: ProtocolConfig{Protocol: "UDP"},
	})
	for _, proto := range []string{"udp", "UDP", "Udp"} {
		got, err := c.matcher.match(&TrafficEvent{Protocol: proto})
		if err != nil || !got {
			t.Fatalf("protocol %s: expected match, got %v err %v", proto, got, err)
		}
	}
	got, err := c.matcher.match(&TrafficEvent{Protocol: "tcp"})
	if err != nil || got {
		t.Fatalf("expected tcp to miss, got %v err %v", got, err)
	}
	got, err = c.matcher.match(&TrafficEvent{})
	if err != nil || got {
		t.Fatalf("expected unclassified protocol to miss, got %v err %v", got, err)
	}
}

func TestCompileRule_Custom(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, FilterRule{
		ID: "cust-1", Name: "big foreign posts", Type: RuleTypeCustom, Action: ActionChallenge, Enabled: true,
		Config: CustomConfig{Expression: `byte_count > 1000 and not country == "DE"`},
	})
	got, err := c.matcher.match(&TrafficEvent{Country: "US", Bytes: 2000})
	if err != nil || !got {
		t.Fatalf("expected match, got %v err %v", got, err)
	}
	got, err = c.matcher.match(&TrafficEvent{Country: "DE", Bytes: 2000})
	if err != nil || got {
		t.Fatalf("expected miss, got %v err %v", got, err)
	}

	// An event without a country cannot answer the predicate.
	if _, err := c.matcher.match(&TrafficEvent{Bytes: 2000}); err == nil {
		t.Fatalf("expected absent-field error")
	}

	_, errs := compileRule(FilterRule{
		ID: "cust-2", Name: "bad", Type: RuleTypeCustom, Action: ActionBlock,
		Config: CustomConfig{Expression: `country ==`},
	}, nil)
	if !hasFieldError(errs, "config.expression") {
		t.Fatalf("expected config.expression error, got %v", errs)
	}
}

func TestCompileRule_Rate_Invariants(t *testing.T) {
	t.Parallel()

	_, errs := compileRule(FilterRule{
		ID: "rate-1", Name: "zero rate", Type: RuleTypeRate, Action: ActionRateLimit,
		Config: RateConfig{TokensPerSecond: 0, BucketSize: 10},
	}, nil)
	if !hasFieldError(errs, "config.tokensPerSecond") {
		t.Fatalf("expected config.tokensPerSecond error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "rate-2", Name: "zero bucket", Type: RuleTypeRate, Action: ActionRateLimit,
		Config: RateConfig{TokensPerSecond: 5, BucketSize: 0},
	}, nil)
	if !hasFieldError(errs, "config.bucketSize") {
		t.Fatalf("expected config.bucketSize error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "rate-3", Name: "small bucket", Type: RuleTypeRate, Action: ActionRateLimit,
		Config: RateConfig{TokensPerSecond: 100, BucketSize: 10},
	}, nil)
	if !hasFieldError(errs, "config.bucketSize") {
		t.Fatalf("expected bucket/rate invariant error, got %v", errs)
	}

	if _, errs := compileRule(FilterRule{
		ID: "rate-4", Name: "ok", Type: RuleTypeRate, Action: ActionRateLimit,
		Config: RateConfig{TokensPerSecond: 10, BucketSize: 10},
	}, nil); len(errs) > 0 {
		t.Fatalf("expected equal bucket and rate to pass, got %v", errs)
	}
}

func TestCompileRule_Rate_ChargesBucket(t *testing.T) {
	t.Parallel()

	limits := NewLimiterStore(LimiterPolicy{})
	c, errs := compileRule(FilterRule{
		ID: "rate-5", Name: "limit", Type: RuleTypeRate, Action: ActionRateLimit, Enabled: true,
		Config: RateConfig{TokensPerSecond: 1, BucketSize: 2},
	}, limits)
	if len(errs) > 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}

	base := time.Unix(1700000000, 0)
	ev := &TrafficEvent{SourceIP: netip.MustParseAddr("198.51.100.4"), Timestamp: base}
	for i := 0; i < 2; i++ {
		got, err := c.matcher.match(ev)
		if err != nil || got {
			t.Fatalf("event %d: expected budget to hold, got %v err %v", i, got, err)
		}
	}
	got, err := c.matcher.match(ev)
	if err != nil || !got {
		t.Fatalf("expected exhausted budget to match, got %v err %v", got, err)
	}

	// The matcher never charges events without a source.
	got, err = c.matcher.match(&TrafficEvent{Timestamp: base})
	if err != nil || got {
		t.Fatalf("expected sourceless event to miss, got %v err %v", got, err)
	}
}

func TestCompileRule_ConfigMismatch(t *testing.T) {
	t.Parallel()

	_, errs := compileRule(FilterRule{
		ID: "mix-1", Name: "wrong variant", Type: RuleTypeIP, Action: ActionBlock,
		Config: GeoConfig{Countries: []string{"DE"}},
	}, nil)
	if !hasFieldError(errs, "config") {
		t.Fatalf("expected config mismatch error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "mix-2", Name: "nil config", Type: RuleTypeGeo, Action: ActionBlock,
	}, nil)
	if !hasFieldError(errs, "config") {
		t.Fatalf("expected missing config error, got %v", errs)
	}

	_, errs = compileRule(FilterRule{
		ID: "mix-3", Name: "bad type", Type: RuleType("dns"), Action: ActionBlock,
		Config: IPConfig{Entries: []string{"10.0.0.1"}},
	}, nil)
	if !hasFieldError(errs, "type") {
		t.Fatalf("expected unknown type error, got %v", errs)
	}
}

func TestRateVersion_TracksParameters(t *testing.T) {
	t.Parallel()

	a := rateVersion(RateConfig{TokensPerSecond: 10, BucketSize: 20})
	b := rateVersion(RateConfig{TokensPerSecond: 10, BucketSize: 20})
	c := rateVersion(RateConfig{TokensPerSecond: 10, BucketSize: 40})
	d := rateVersion(RateConfig{TokensPerSecond: 20, BucketSize: 20})
	if a != b {
		t.Fatalf("expected identical params to share a version")
	}
	if a == c || a == d || c == d {
		t.Fatalf("expected changed params to change the version: %s %s %s", a, c, d)
	}
}

func TestFingerprintConfig_SeesDefinitionChanges(t *testing.T) {
	t.Parallel()

	base := FilterRule{
		ID: "fp-1", Name: "base", Type: RuleTypeGeo, Action: ActionBlock, Priority: 10,
		Config: GeoConfig{Countries: []string{"DE"}},
	}
	same := base
	same.Name = "renamed"
	if fingerprintConfig(base) != fingerprintConfig(same) {
		t.Fatalf("expected name change to keep the fingerprint")
	}

	changed := base
	changed.Priority = 20
	if fingerprintConfig(base) == fingerprintConfig(changed) {
		t.Fatalf("expected priority change to change the fingerprint")
	}

	changed = base
	changed.Config = GeoConfig{Countries: []string{"DE", "FR"}}
	if fingerprintConfig(base) == fingerprintConfig(changed) {
		t.Fatalf("expected config change to change the fingerprint")
	}
}
