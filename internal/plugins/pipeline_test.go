package plugins

import (
	"context"
	"testing"
	"time"

	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/offense"
	"grimm.is/mimosa/internal/store"
)

type fakeWhitelist struct {
	listed map[string]bool
	err    error
}

func (f *fakeWhitelist) IsWhitelisted(_ context.Context, ip string) (bool, error) {
	return f.listed[ip], f.err
}

func testPipeline(t *testing.T, wl WhitelistChecker) (*Pipeline, *store.Store, *blocks.Manager, *events.Hub) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Options{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hub := events.NewHub(clk)
	m, err := blocks.NewManager(s, wl, hub, clk)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	p := NewPipeline(s, offense.NewRecorder(s), wl, m, hub, nil)
	return p, s, m, hub
}

func minutes(n int) *int { return &n }

// TestSubmitRecordsAndBroadcasts tests the happy ingestion path
func TestSubmitRecordsAndBroadcasts(t *testing.T) {
	p, s, _, hub := testPipeline(t, nil)
	sub := hub.Subscribe(10, events.EventOffense)

	o, err := p.Submit(context.Background(), OffenseEvent{
		SourceIP:    "203.0.113.10",
		Description: "honeypot GET evil.example.com/wp-login.php [ua=curl]",
		Plugin:      NameProxyTrap,
		Severity:    store.SeverityAlto,
		Host:        "evil.example.com",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.DescriptionClean != "honeypot GET evil.example.com/wp-login.php" {
		t.Errorf("description not cleaned: %q", o.DescriptionClean)
	}

	listed, err := s.ListOffenses(store.OffenseFilter{IP: "203.0.113.10"}, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("offense not persisted: %v %d", err, len(listed))
	}

	select {
	case ev := <-sub:
		data, ok := ev.Data.(events.OffenseData)
		if !ok || data.SourceIP != "203.0.113.10" {
			t.Errorf("unexpected event payload: %+v", ev.Data)
		}
	default:
		t.Error("no offense event broadcast")
	}
}

// TestSubmitRejectsBadInput tests that malformed events never persist
func TestSubmitRejectsBadInput(t *testing.T) {
	p, s, _, _ := testPipeline(t, nil)

	cases := []OffenseEvent{
		{SourceIP: "not-an-ip", Description: "x", Plugin: NameProxyTrap},
		{SourceIP: "203.0.113.10", Description: "", Plugin: NameProxyTrap},
		{SourceIP: "203.0.113.10", Description: "x", Plugin: NameProxyTrap, Severity: "loud"},
	}
	for _, ev := range cases {
		if _, err := p.Submit(context.Background(), ev); err == nil {
			t.Errorf("event %+v accepted", ev)
		}
	}

	listed, _ := s.ListOffenses(store.OffenseFilter{}, 10)
	if len(listed) != 0 {
		t.Errorf("rejected events persisted: %d", len(listed))
	}
}

// TestSubmitAppliesRuleDecision tests record through block creation
func TestSubmitAppliesRuleDecision(t *testing.T) {
	p, s, m, _ := testPipeline(t, nil)

	if _, err := s.AddRule(&store.Rule{
		Plugin:       NameProxyTrap,
		Severity:     "alto",
		Description:  "*wp-login*",
		MinLastHour:  1,
		MinTotal:     1,
		BlockMinutes: minutes(60),
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	if _, err := p.Submit(context.Background(), OffenseEvent{
		SourceIP:    "203.0.113.10",
		Description: "honeypot GET admin.example.com/wp-login.php",
		Plugin:      NameProxyTrap,
		Severity:    store.SeverityAlto,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	active := m.GetActive("203.0.113.10")
	if active == nil {
		t.Fatal("no block created")
	}
	if active.ExpiresAt == nil {
		t.Error("rule block should be temporal")
	}
	if active.Source != "rule" {
		t.Errorf("source = %q, want rule", active.Source)
	}
}

// TestSubmitWhitelistedStillBlocks tests that whitelisting gates the
// firewall projection, not the local audit trail
func TestSubmitWhitelistedStillBlocks(t *testing.T) {
	wl := &fakeWhitelist{listed: map[string]bool{"203.0.113.10": true}}
	p, s, m, _ := testPipeline(t, wl)

	s.AddRule(&store.Rule{BlockMinutes: minutes(30), MinLastHour: 1})

	if _, err := p.Submit(context.Background(), OffenseEvent{
		SourceIP:    "203.0.113.10",
		Description: "probe",
		Plugin:      NamePortDetector,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	b := m.GetActive("203.0.113.10")
	if b == nil {
		t.Fatal("block should exist locally even for a whitelisted IP")
	}
	if m.ShouldSync(context.Background(), b) {
		t.Error("whitelisted block must not project to firewalls")
	}
}

// TestConfigValidation tests the per-plugin schemas
func TestConfigValidation(t *testing.T) {
	valid := map[string]string{
		NameProxyTrap:    `{"enabled":true,"port":8888,"default_severity":"medio","response_type":"404"}`,
		NamePortDetector: `{"enabled":true,"default_severity":"bajo","rules":[{"protocol":"tcp","severity":"alto","port":22}]}`,
		NameNPM:          `{"enabled":true,"default_severity":"medio","shared_secret":"s3cret","rules":[],"ignore_list":[],"alert_fallback":true,"alert_unregistered_domain":false,"alert_suspicious_path":false}`,
	}
	for name, blob := range valid {
		if err := ValidateConfig(name, []byte(blob)); err != nil {
			t.Errorf("%s: valid config rejected: %v", name, err)
		}
	}

	invalid := map[string]string{
		NameProxyTrap:    `{"port":70000}`,
		NamePortDetector: `{"rules":[{"protocol":"icmp","port":22}]}`,
		NameNPM:          `{"enabled":true,"shared_secret":""}`,
		"unknown":        `{}`,
	}
	for name, blob := range invalid {
		if err := ValidateConfig(name, []byte(blob)); err == nil {
			t.Errorf("%s: invalid config accepted", name)
		}
	}

	// A port rule must pick exactly one addressing form.
	both := `{"rules":[{"protocol":"tcp","port":22,"ports":[23,24]}]}`
	if err := ValidateConfig(NamePortDetector, []byte(both)); err == nil {
		t.Error("rule with two port forms accepted")
	}
}

// TestConfigRoundTrip tests persistence through the store
func TestConfigRoundTrip(t *testing.T) {
	_, s, _, _ := testPipeline(t, nil)

	blob := []byte(`{"enabled":true,"port":9999,"default_severity":"alto","response_type":"silence"}`)
	if err := SaveConfig(s, NameProxyTrap, blob); err != nil {
		t.Fatalf("save: %v", err)
	}

	var cfg ProxyTrapConfig
	if err := LoadConfig(s, NameProxyTrap, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9999 || cfg.ResponseType != "silence" {
		t.Errorf("round trip mismatch: %+v", cfg)
	}

	// Never-stored plugins fall back to defaults.
	var pd PortDetectorConfig
	if err := LoadConfig(s, NamePortDetector, &pd); err != nil {
		t.Fatalf("load default: %v", err)
	}
	if pd.Enabled || pd.DefaultSeverity != store.SeverityMedio {
		t.Errorf("unexpected defaults: %+v", pd)
	}
}
