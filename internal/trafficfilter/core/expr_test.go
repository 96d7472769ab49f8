package core

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func exprEvent() *TrafficEvent {
	return &TrafficEvent{
		SourceIP:   netip.MustParseAddr("203.0.113.9"),
		SourcePort: 40123,
		DestIP:     netip.MustParseAddr("10.0.0.5"),
		DestPort:   443,
		Protocol:   "HTTPS",
		Path:       "/api/v1/login",
		Query:      "user=admin&redirect=1",
		Country:    "de",
		ASN:        64512,
		BackendID:  "backend-a",
		Bytes:      2048,
	}
}

func TestParseExpression_Valid(t *testing.T) {
	t.Parallel()

	exprs := []string{
		`country == "DE"`,
		`country != "US"`,
		`protocol == "https" and dest_port == 443`,
		`asn > 64000 or asn < 100`,
		`byte_count >= 1024 and byte_count <= 4096`,
		`path contains "/login"`,
		`country in ["DE", "FR", "NL"]`,
		`dest_port in [80, 443, 8443]`,
		`not (country == "US" or country == "CA")`,
		`source_ip == "203.0.113.9"`,
		`backend_id == 'backend-a' and not protocol == 'udp'`,
	}
	for _, expr := range exprs {
		if _, err := parseExpression(expr); err != nil {
			t.Fatalf("expression %q failed to parse: %v", expr, err)
		}
	}
}

func TestParseExpression_Errors(t *testing.T) {
	t.Parallel()

	exprs := []string{
		``,
		`country ==`,
		`country == "DE" and`,
		`bogus_field == "x"`,
		`country = "DE"`,
		`country == "DE" extra`,
		`(country == "DE"`,
		`country in []`,
		`country in ["DE",]`,
		`asn == "text"`,
		`country == 42`,
		`country > "DE"`,
		`asn contains "64"`,
		`byte_count in ["a"]`,
		`path contains 42`,
	}
	for _, expr := range exprs {
		if _, err := parseExpression(expr); err == nil {
			t.Fatalf("expression %q parsed but should not", expr)
		}
	}
}

func TestParseExpression_ErrorNamesOffset(t *testing.T) {
	t.Parallel()

	_, err := parseExpression(`country == "DE" and bogus == 1`)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if !strings.Contains(err.Error(), "offset") {
		t.Fatalf("expected offset in error, got: %v", err)
	}
}

func TestExpression_Eval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expr string
		want bool
	}{
		{`country == "DE"`, true},
		{`country == "de"`, true},
		{`country == "US"`, false},
		{`country != "US"`, true},
		{`protocol == "https"`, true},
		{`protocol == "HTTPS"`, true},
		{`protocol == "tcp"`, false},
		{`dest_port == 443`, true},
		{`dest_port != 443`, false},
		{`dest_port > 1000`, false},
		{`source_port > 1024`, true},
		{`asn >= 64512`, true},
		{`asn < 64512`, false},
		{`byte_count <= 2048`, true},
		{`path contains "login"`, true},
		{`path contains "logout"`, false},
		{`query contains "admin"`, true},
		{`country in ["FR", "DE"]`, true},
		{`country in ["fr", "de"]`, true},
		{`country in ["US", "CA"]`, false},
		{`dest_port in [80, 443]`, true},
		{`dest_port in [80, 8080]`, false},
		{`source_ip == "203.0.113.9"`, true},
		{`backend_id == "backend-a"`, true},
		{`country == "DE" and dest_port == 443`, true},
		{`country == "US" and dest_port == 443`, false},
		{`country == "US" or dest_port == 443`, true},
		{`not country == "US"`, true},
		{`not country == "DE"`, false},
		{`not (country == "US" or protocol == "udp")`, true},
	}
	ev := exprEvent()
	for _, tc := range cases {
		node, err := parseExpression(tc.expr)
		if err != nil {
			t.Fatalf("expression %q failed to parse: %v", tc.expr, err)
		}
		got, err := node.eval(ev)
		if err != nil {
			t.Fatalf("expression %q failed to eval: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("expression %q: expected %v, got %v", tc.expr, tc.want, got)
		}
	}
}

func TestExpression_PrecedenceAndBindsTighter(t *testing.T) {
	t.Parallel()

	// true or (false and false) is true; (true or false) and false is not.
	node, err := parseExpression(`country == "DE" or country == "US" and protocol == "udp"`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	got, err := node.eval(exprEvent())
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !got {
		t.Fatalf("expected or to bind looser than and")
	}
}

func TestExpression_AbsentFieldReportsError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expr string
		ev   *TrafficEvent
	}{
		{`asn == 64512`, &TrafficEvent{Path: "/x"}},
		{`source_port > 0`, &TrafficEvent{Path: "/x"}},
		{`country == "DE"`, &TrafficEvent{Path: "/x"}},
		{`query contains "a"`, &TrafficEvent{Path: "/x"}},
		{`source_ip == "203.0.113.9"`, &TrafficEvent{Path: "/x"}},
	}
	for _, tc := range cases {
		node, err := parseExpression(tc.expr)
		if err != nil {
			t.Fatalf("expression %q failed to parse: %v", tc.expr, err)
		}
		if _, err := node.eval(tc.ev); !errors.Is(err, errFieldAbsent) {
			t.Fatalf("expression %q: expected absent-field error, got %v", tc.expr, err)
		}
	}
}

func TestExpression_ByteCountAlwaysPresent(t *testing.T) {
	t.Parallel()

	node, err := parseExpression(`byte_count == 0`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	got, err := node.eval(&TrafficEvent{})
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !got {
		t.Fatalf("expected zero byte_count to compare equal")
	}
}

func TestExpression_ShortCircuitSkipsAbsentField(t *testing.T) {
	t.Parallel()

	// The left side decides; the absent right side must not be read.
	node, err := parseExpression(`path contains "/x" or asn == 1`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	got, err := node.eval(&TrafficEvent{Path: "/x/y"})
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !got {
		t.Fatalf("expected short-circuit match")
	}

	node, err = parseExpression(`path contains "/nope" and asn == 1`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	got, err = node.eval(&TrafficEvent{Path: "/x/y"})
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if got {
		t.Fatalf("expected short-circuit non-match")
	}
}
