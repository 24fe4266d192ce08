package rules

import (
	"testing"

	"grimm.is/mimosa/internal/store"
)

// TestMatch tests the wildcard matcher
func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"*", "", true},
		{"exact", "exact", true},
		{"exact", "EXACT", true},
		{"exact", "exactly", false},
		{"*wp-login*", "honeypot GET admin.example.com/wp-login.php", true},
		{"*wp-login*", "honeypot GET /index.html", false},
		{"sql?injection", "sql injection", true},
		{"sql?injection", "sql-injection", true},
		{"sql?injection", "sqlinjection", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "acb", false},
		{"*.php", "shell.PHP", true},
		{"??", "ab", true},
		{"??", "a", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.value); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

// TestDeriveEventID tests the event id fallback chain
func TestDeriveEventID(t *testing.T) {
	tests := []struct {
		name string
		o    *store.Offense
		want string
	}{
		{
			"context event_id wins",
			&store.Offense{
				Context:     map[string]any{"event_id": "sqli", "alert_type": "other"},
				Description: "attack: brute",
			},
			"sqli",
		},
		{
			"alert_type fallback",
			&store.Offense{
				Context:     map[string]any{"alert_type": "suspicious_path"},
				Description: "attack: brute",
			},
			"suspicious_path",
		},
		{
			"description colon token",
			&store.Offense{Description: "Port scan: nmap sweep detected"},
			"nmap",
		},
		{
			"no colon yields empty",
			&store.Offense{Description: "plain description"},
			"",
		},
		{
			"empty context values skipped",
			&store.Offense{
				Context:     map[string]any{"event_id": ""},
				Description: "x: token rest",
			},
			"token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveEventID(tt.o); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// TestEvaluate tests first-match-wins in id order with count gates
func TestEvaluate(t *testing.T) {
	sixty := 60
	five := 5
	ruleSet := []*store.Rule{
		{ID: 1, Plugin: "proxytrap", EventID: "*", Severity: "alto", Description: "*wp-login*",
			MinLastHour: 1, MinTotal: 1, BlockMinutes: &sixty},
		{ID: 2, Plugin: "*", EventID: "*", Severity: "critico", Description: "*"},
		{ID: 3, Plugin: "*", EventID: "*", Severity: "*", Description: "*",
			MinLastHour: 10, BlockMinutes: &five},
	}

	offense := &store.Offense{
		Plugin:           "proxytrap",
		Severity:         store.SeverityAlto,
		DescriptionClean: "honeypot GET admin.example.com/wp-login.php",
	}

	// Rule 1 matches with gates satisfied
	d := Evaluate(ruleSet, offense, Counts{LastHour: 1, Total: 1})
	if d == nil || d.MatchedRuleID != 1 {
		t.Fatalf("expected rule 1, got %+v", d)
	}
	if d.BlockMinutes == nil || *d.BlockMinutes != 60 {
		t.Errorf("expected 60 minute block, got %v", d.BlockMinutes)
	}

	// Gates unmet on rule 1, falls through to rule 3 once volume is high
	d = Evaluate(ruleSet, offense, Counts{LastHour: 0, Total: 0})
	if d != nil {
		t.Errorf("expected no decision with zero counts, got %+v", d)
	}
	d = Evaluate(ruleSet, offense, Counts{LastHour: 12, Total: 0})
	if d == nil || d.MatchedRuleID != 3 {
		t.Errorf("expected rule 3 on volume, got %+v", d)
	}

	// Critical severity hits the permanent rule
	crit := &store.Offense{Plugin: "npm_webhook", Severity: store.SeverityCritico, DescriptionClean: "anything"}
	d = Evaluate(ruleSet, crit, Counts{})
	if d == nil || d.MatchedRuleID != 2 {
		t.Fatalf("expected rule 2, got %+v", d)
	}
	if d.BlockMinutes != nil {
		t.Errorf("expected permanent decision, got %v", *d.BlockMinutes)
	}

	// Nothing matches
	mild := &store.Offense{Plugin: "port_detector", Severity: store.SeverityBajo, DescriptionClean: "probe"}
	if d := Evaluate(ruleSet, mild, Counts{}); d != nil {
		t.Errorf("expected nil decision, got %+v", d)
	}
}

// TestEvaluateEventIDGate tests event id matching against context
func TestEvaluateEventIDGate(t *testing.T) {
	ttl := 30
	ruleSet := []*store.Rule{
		{ID: 1, Plugin: "*", EventID: "sqli", Severity: "*", Description: "*", BlockMinutes: &ttl},
	}

	hit := &store.Offense{Plugin: "npm_webhook", DescriptionClean: "x",
		Context: map[string]any{"event_id": "SQLI"}}
	if d := Evaluate(ruleSet, hit, Counts{}); d == nil {
		t.Error("expected case-insensitive event id match")
	}

	miss := &store.Offense{Plugin: "npm_webhook", DescriptionClean: "x",
		Context: map[string]any{"event_id": "xss"}}
	if d := Evaluate(ruleSet, miss, Counts{}); d != nil {
		t.Errorf("expected no match, got %+v", d)
	}
}
