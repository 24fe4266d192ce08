package store

import (
	"testing"
	"time"

	"grimm.is/mimosa/internal/clock"
)

func testStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(Options{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// TestOpen tests store creation and schema idempotency
func TestOpen(t *testing.T) {
	tmpFile := t.TempDir() + "/mimosa.db"

	s, err := Open(Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	s.Close()

	// Reopen and verify the schema survives
	s2, err := Open(Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	if _, err := s2.ListBlocks(true, 10); err != nil {
		t.Errorf("query after reopen: %v", err)
	}
}

// TestClosedStore tests that operations on a closed store fail cleanly
func TestClosedStore(t *testing.T) {
	s, _ := testStore(t)
	s.Close()

	if _, err := s.ActiveBlocks(); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

// TestOffenseInsertAndList tests offense persistence and filtering
func TestOffenseInsertAndList(t *testing.T) {
	s, clk := testStore(t)

	o1, err := s.InsertOffense(&Offense{
		SourceIP:         "203.0.113.10",
		Description:      "SQL injection attempt [blocked]",
		DescriptionClean: "SQL injection attempt",
		Plugin:           "npm_webhook",
		Severity:         SeverityAlto,
		Host:             "app.example.com",
		Context:          map[string]any{"event_id": "sqli"},
	})
	if err != nil {
		t.Fatalf("failed to insert offense: %v", err)
	}
	if o1.ID == 0 {
		t.Error("expected assigned id")
	}

	clk.Advance(time.Minute)
	if _, err := s.InsertOffense(&Offense{
		SourceIP:         "198.51.100.7",
		Description:      "port probe",
		DescriptionClean: "port probe",
		Plugin:           "port_detector",
		Severity:         SeverityMedio,
	}); err != nil {
		t.Fatalf("failed to insert second offense: %v", err)
	}

	all, err := s.ListOffenses(OffenseFilter{}, 100)
	if err != nil {
		t.Fatalf("failed to list offenses: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 offenses, got %d", len(all))
	}
	// Newest first
	if all[0].SourceIP != "198.51.100.7" {
		t.Errorf("expected newest first, got %s", all[0].SourceIP)
	}

	byIP, _ := s.ListOffenses(OffenseFilter{IP: "203.0.113.10"}, 100)
	if len(byIP) != 1 {
		t.Fatalf("expected 1 offense for IP, got %d", len(byIP))
	}
	if byIP[0].Context["event_id"] != "sqli" {
		t.Errorf("context round-trip failed: %v", byIP[0].Context)
	}

	bySev, _ := s.ListOffenses(OffenseFilter{Severity: SeverityMedio}, 100)
	if len(bySev) != 1 || bySev[0].Plugin != "port_detector" {
		t.Errorf("severity filter failed: %v", bySev)
	}
}

// TestOffenseCounts tests the rule-engine counters
func TestOffenseCounts(t *testing.T) {
	s, clk := testStore(t)

	ip := "203.0.113.10"
	for i := 0; i < 3; i++ {
		if _, err := s.InsertOffense(&Offense{SourceIP: ip, Description: "x", DescriptionClean: "x"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := s.TouchProfile(ip); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	// Push two of them outside the one-hour window
	clk.Advance(2 * time.Hour)
	if _, err := s.InsertOffense(&Offense{SourceIP: ip, Description: "x", DescriptionClean: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.TouchProfile(ip); err != nil {
		t.Fatalf("touch: %v", err)
	}

	lastHour, total, blocksTotal, err := s.OffenseCounts(ip)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if lastHour != 1 {
		t.Errorf("expected 1 in last hour, got %d", lastHour)
	}
	if total != 4 {
		t.Errorf("expected total 4, got %d", total)
	}
	if blocksTotal != 0 {
		t.Errorf("expected 0 blocks, got %d", blocksTotal)
	}

	// Unknown IP has zero counters, not an error
	lastHour, total, _, err = s.OffenseCounts("192.0.2.1")
	if err != nil || lastHour != 0 || total != 0 {
		t.Errorf("unknown IP: lastHour=%d total=%d err=%v", lastHour, total, err)
	}
}

// TestBlockLifecycle tests insert, update and close with history
func TestBlockLifecycle(t *testing.T) {
	s, clk := testStore(t)

	exp := clk.Now().Add(30 * time.Minute)
	b, err := s.InsertBlockWithHistory(&Block{
		IP:               "203.0.113.10",
		Reason:           "rule:1",
		Source:           "rule",
		ExpiresAt:        &exp,
		SyncWithFirewall: true,
	})
	if err != nil {
		t.Fatalf("failed to insert block: %v", err)
	}
	if !b.Active {
		t.Error("expected active block")
	}

	// Extend
	clk.Advance(10 * time.Minute)
	newExp := clk.Now().Add(60 * time.Minute)
	b.ExpiresAt = &newExp
	if err := s.UpdateBlockWithHistory(b, HistoryExtend, "rule"); err != nil {
		t.Fatalf("failed to extend block: %v", err)
	}

	active, _ := s.ActiveBlocks()
	if len(active) != 1 {
		t.Fatalf("expected 1 active block, got %d", len(active))
	}
	if !active[0].ExpiresAt.Equal(newExp) {
		t.Errorf("expected extended expiry %v, got %v", newExp, active[0].ExpiresAt)
	}

	// Close
	if err := s.CloseBlockWithHistory(b, HistoryRemove, "api"); err != nil {
		t.Fatalf("failed to close block: %v", err)
	}
	active, _ = s.ActiveBlocks()
	if len(active) != 0 {
		t.Errorf("expected no active blocks, got %d", len(active))
	}

	hist, err := s.ListHistory("203.0.113.10", 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}
	// Newest first: remove, extend, add
	if hist[0].Action != HistoryRemove || hist[2].Action != HistoryAdd {
		t.Errorf("unexpected history order: %v %v %v", hist[0].Action, hist[1].Action, hist[2].Action)
	}
}

// TestPermanentBlock tests nil expiry round-trip
func TestPermanentBlock(t *testing.T) {
	s, _ := testStore(t)

	b, err := s.InsertBlockWithHistory(&Block{
		IP: "203.0.113.99", Reason: "manual", Source: "api", SyncWithFirewall: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !b.Permanent() {
		t.Error("expected permanent block")
	}

	active, _ := s.ActiveBlocks()
	if len(active) != 1 || active[0].ExpiresAt != nil {
		t.Errorf("expected permanent active block, got %+v", active)
	}
}

// TestProfileCounters tests the upsert counters
func TestProfileCounters(t *testing.T) {
	s, clk := testStore(t)

	ip := "198.51.100.7"
	first := clk.Now()
	if err := s.TouchProfile(ip); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clk.Advance(time.Hour)
	if err := s.TouchProfile(ip); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.BumpProfileBlocks(ip); err != nil {
		t.Fatalf("bump: %v", err)
	}

	p, err := s.GetProfile(ip)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.OffensesTotal != 2 || p.BlocksTotal != 1 {
		t.Errorf("counters: offenses=%d blocks=%d", p.OffensesTotal, p.BlocksTotal)
	}
	if !p.FirstSeen.Equal(first) {
		t.Errorf("first_seen moved: %v != %v", p.FirstSeen, first)
	}
	if !p.LastSeen.Equal(clk.Now()) {
		t.Errorf("last_seen not bumped: %v", p.LastSeen)
	}
	if p.Classification != ClassUnknown {
		t.Errorf("expected unknown classification, got %s", p.Classification)
	}
}

// TestProfileEnrichment tests enrichment persistence
func TestProfileEnrichment(t *testing.T) {
	s, _ := testStore(t)

	ip := "198.51.100.7"
	s.TouchProfile(ip)

	if err := s.UpdateProfileEnrichment(&IPProfile{
		IP:             ip,
		GeoJSON:        `{"country":"DE"}`,
		Country:        "DE",
		ReverseDNS:     "host.example.net",
		Classification: ClassDatacenter,
		IsHosting:      true,
	}); err != nil {
		t.Fatalf("enrich: %v", err)
	}

	p, _ := s.GetProfile(ip)
	if p.Country != "DE" || p.Classification != ClassDatacenter || !p.IsHosting {
		t.Errorf("enrichment not persisted: %+v", p)
	}
	if p.EnrichedAt == nil {
		t.Error("expected enriched_at stamp")
	}
	// Counters untouched by enrichment
	if p.OffensesTotal != 1 {
		t.Errorf("enrichment clobbered counters: %d", p.OffensesTotal)
	}
}

// TestWhitelistCRUD tests whitelist entries and duplicate detection
func TestWhitelistCRUD(t *testing.T) {
	s, _ := testStore(t)

	e, err := s.AddWhitelistEntry(&WhitelistEntry{CIDR: "192.168.0.0/16", Note: "lan"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := s.AddWhitelistEntry(&WhitelistEntry{CIDR: "192.168.0.0/16"}); err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	list, _ := s.ListWhitelist()
	if len(list) != 1 || list[0].Note != "lan" {
		t.Errorf("unexpected list: %v", list)
	}

	if err := s.DeleteWhitelistEntry(e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteWhitelistEntry(e.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestRuleCRUD tests rule storage and ordering
func TestRuleCRUD(t *testing.T) {
	s, _ := testStore(t)

	ttl := 30
	r1, err := s.AddRule(&Rule{Plugin: "npm_webhook", Severity: "critico", BlockMinutes: nil})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r2, err := s.AddRule(&Rule{Plugin: "*", MinLastHour: 5, BlockMinutes: &ttl})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	rules, err := s.ListRules()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != r1.ID || rules[1].ID != r2.ID {
		t.Fatalf("expected id-ascending order, got %v", rules)
	}
	// Empty wildcard fields stored as "*"
	if rules[0].EventID != "*" || rules[0].Description != "*" {
		t.Errorf("empty fields not defaulted to *: %+v", rules[0])
	}
	if rules[0].BlockMinutes != nil {
		t.Error("expected permanent rule (nil block_minutes)")
	}
	if rules[1].BlockMinutes == nil || *rules[1].BlockMinutes != 30 {
		t.Errorf("block_minutes round-trip failed: %v", rules[1].BlockMinutes)
	}

	r2.MinLastHour = 10
	if err := s.UpdateRule(r2); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetRule(r2.ID)
	if got.MinLastHour != 10 {
		t.Errorf("update not persisted: %d", got.MinLastHour)
	}

	if err := s.DeleteRule(r1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRule(r1.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestFirewallCRUD tests firewall config persistence and secret handling
func TestFirewallCRUD(t *testing.T) {
	s, _ := testStore(t)

	f, err := s.AddFirewall(&Firewall{
		Name: "edge", Type: FirewallOPNsense, BaseURL: "https://fw.local",
		APIKey: "key", APISecret: "secret", VerifySSL: true,
		TimeoutSeconds: 10, Enabled: true, ApplyChanges: true,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Update without secret keeps the stored one
	f.Name = "edge-2"
	f.APISecret = ""
	if err := s.UpdateFirewall(f); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetFirewall(f.ID)
	if got.Name != "edge-2" || got.APISecret != "secret" {
		t.Errorf("secret not preserved: %+v", got)
	}

	n, _ := s.CountFirewalls()
	if n != 1 {
		t.Errorf("expected 1 firewall, got %d", n)
	}

	if err := s.DeleteFirewall(f.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetFirewall(f.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestPluginConfigs tests the JSON blob upsert
func TestPluginConfigs(t *testing.T) {
	s, _ := testStore(t)

	if _, err := s.GetPluginConfig("proxy_trap"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetPluginConfig("proxy_trap", `{"enabled":true}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetPluginConfig("proxy_trap", `{"enabled":false}`); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cfg, err := s.GetPluginConfig("proxy_trap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg != `{"enabled":false}` {
		t.Errorf("unexpected config: %s", cfg)
	}

	all, _ := s.ListPluginConfigs()
	if len(all) != 1 {
		t.Errorf("expected 1 config, got %d", len(all))
	}
}

// TestSessions tests session rows and expiry purge
func TestSessions(t *testing.T) {
	s, clk := testStore(t)

	now := clk.Now()
	if err := s.PutSession(&SessionRow{
		Token: "tok1", Username: "admin", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	sess, err := s.GetSession("tok1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Username != "admin" {
		t.Errorf("unexpected session: %+v", sess)
	}

	clk.Advance(2 * time.Hour)
	n, err := s.PurgeExpiredSessions()
	if err != nil || n != 1 {
		t.Errorf("purge: n=%d err=%v", n, err)
	}
	if _, err := s.GetSession("tok1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after purge, got %v", err)
	}
}

// TestOffenseStats tests time-bucketed aggregation
func TestOffenseStats(t *testing.T) {
	s, clk := testStore(t)

	ip := "203.0.113.10"
	for i := 0; i < 3; i++ {
		s.InsertOffense(&Offense{SourceIP: ip, Description: "x", DescriptionClean: "x"})
		clk.Advance(10 * time.Minute)
	}

	buckets, err := s.OffenseStats("1h")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var total int64
	for _, b := range buckets {
		total += b.Count
	}
	if total != 3 {
		t.Errorf("expected 3 offenses in window, got %d", total)
	}

	if _, err := s.OffenseStats("2h"); err == nil {
		t.Error("expected error for unknown window")
	}
}
