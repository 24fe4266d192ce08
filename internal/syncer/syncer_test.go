package syncer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/gateway"
	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/store"
)

// fakeDriver records what the syncer projects onto it.
type fakeDriver struct {
	mu           sync.Mutex
	ensures      int
	installs     int
	applies      int
	aliasWrites  map[string][]string
	portWrites   map[string][]int
	failSetAlias error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		aliasWrites: make(map[string][]string),
		portWrites:  make(map[string][]int),
	}
}

func (f *fakeDriver) EnsureAliases(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return nil
}

func (f *fakeDriver) InstallRules(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	return nil
}

func (f *fakeDriver) ListRules(context.Context) ([]gateway.Rule, error) { return nil, nil }
func (f *fakeDriver) GetRule(context.Context, string) (*gateway.Rule, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriver) ToggleRule(context.Context, string, bool) error { return nil }
func (f *fakeDriver) DeleteRule(context.Context, string) error       { return nil }
func (f *fakeDriver) ListAlias(_ context.Context, alias string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliasWrites[alias], nil
}

func (f *fakeDriver) AddToAlias(context.Context, string, string) error {
	return nil
}
func (f *fakeDriver) AddBulk(context.Context, string, []string) error      { return nil }
func (f *fakeDriver) RemoveFromAlias(context.Context, string, string) error { return nil }

func (f *fakeDriver) SetAliasContents(_ context.Context, alias string, entries []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetAlias != nil {
		return false, f.failSetAlias
	}
	prev, had := f.aliasWrites[alias]
	f.aliasWrites[alias] = append([]string{}, entries...)
	return !had || !reflect.DeepEqual(prev, entries), nil
}

func (f *fakeDriver) SyncPortsAlias(_ context.Context, protocol string, ports []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portWrites[protocol] = append([]int{}, ports...)
	return nil
}

func (f *fakeDriver) Apply(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	return nil
}

func (f *fakeDriver) TestConnectivity(context.Context) gateway.TestResult {
	return gateway.TestResult{Online: true}
}

func testSyncer(t *testing.T, driver *fakeDriver) (*Syncer, *blocks.Manager, *store.Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Options{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m, err := blocks.NewManager(s, nil, nil, clk)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	sy := New(s, m, nil, time.Minute, clk)
	sy.newDriver = func(*store.Firewall, gateway.HostResolver) (gateway.Driver, error) {
		return driver, nil
	}
	return sy, m, s, clk
}

func minutes(n int) *int { return &n }

// TestCycleProjectsState tests the end-to-end projection of one cycle
func TestCycleProjectsState(t *testing.T) {
	driver := newFakeDriver()
	sy, m, s, _ := testSyncer(t, driver)

	s.AddFirewall(&store.Firewall{
		Name: "edge", Type: store.FirewallOPNsense, BaseURL: "https://fw",
		APIKey: "k", APISecret: "x", Enabled: true, ApplyChanges: true,
	})
	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "192.168.0.0/16"})
	m.Add(blocks.AddRequest{IP: "203.0.113.10", Reason: "t", Source: "rule", DurationMinutes: minutes(60)})
	m.Add(blocks.AddRequest{IP: "203.0.113.11", Reason: "p", Source: "api"})

	sy.Cycle(context.Background())

	if driver.ensures != 1 || driver.installs != 1 {
		t.Errorf("scaffolding calls: ensures=%d installs=%d", driver.ensures, driver.installs)
	}
	if got := driver.aliasWrites[store.AliasTemporal]; !reflect.DeepEqual(got, []string{"203.0.113.10"}) {
		t.Errorf("temporal alias: %v", got)
	}
	if got := driver.aliasWrites[store.AliasBlacklist]; !reflect.DeepEqual(got, []string{"203.0.113.11"}) {
		t.Errorf("blacklist alias: %v", got)
	}
	if got := driver.aliasWrites[store.AliasWhitelist]; !reflect.DeepEqual(got, []string{"192.168.0.0/16"}) {
		t.Errorf("whitelist alias: %v", got)
	}
	if driver.applies != 1 {
		t.Errorf("expected 1 apply, got %d", driver.applies)
	}
}

// TestCyclePurgesExpired tests spec of expiry promotion during sync
func TestCyclePurgesExpired(t *testing.T) {
	driver := newFakeDriver()
	sy, m, s, clk := testSyncer(t, driver)

	s.AddFirewall(&store.Firewall{
		Name: "edge", Type: store.FirewallOPNsense, BaseURL: "https://fw",
		APIKey: "k", APISecret: "x", Enabled: true, ApplyChanges: true,
	})
	m.Add(blocks.AddRequest{IP: "203.0.113.10", Reason: "t", Source: "rule", DurationMinutes: minutes(10)})

	clk.Advance(30 * time.Minute)
	sy.Cycle(context.Background())

	if m.Count() != 0 {
		t.Errorf("expired block not purged: %d active", m.Count())
	}
	if got := driver.aliasWrites[store.AliasTemporal]; len(got) != 0 {
		t.Errorf("expired IP still projected: %v", got)
	}

	hist, _ := s.ListHistory("203.0.113.10", 10)
	if len(hist) == 0 || hist[0].Action != store.HistoryExpire {
		t.Errorf("missing expire history: %+v", hist)
	}
}

// TestCycleProjectsHoneypotPorts tests the port alias projection
func TestCycleProjectsHoneypotPorts(t *testing.T) {
	driver := newFakeDriver()
	sy, _, s, _ := testSyncer(t, driver)

	s.AddFirewall(&store.Firewall{
		Name: "edge", Type: store.FirewallOPNsense, BaseURL: "https://fw",
		APIKey: "k", APISecret: "x", Enabled: true,
	})
	cfg := `{"enabled":true,"default_severity":"bajo","rules":[` +
		`{"protocol":"tcp","port":22},` +
		`{"protocol":"tcp","ports":[8080,23]},` +
		`{"protocol":"udp","port":161}]}`
	if err := s.SetPluginConfig(plugins.NamePortDetector, cfg); err != nil {
		t.Fatalf("store config: %v", err)
	}

	sy.Cycle(context.Background())

	if got := driver.portWrites["tcp"]; !reflect.DeepEqual(got, []int{22, 23, 8080}) {
		t.Errorf("tcp ports: %v", got)
	}
	if got := driver.portWrites["udp"]; !reflect.DeepEqual(got, []int{161}) {
		t.Errorf("udp ports: %v", got)
	}
}

// TestDisabledFirewallSkipped tests the enabled gate
func TestDisabledFirewallSkipped(t *testing.T) {
	driver := newFakeDriver()
	sy, _, s, _ := testSyncer(t, driver)

	s.AddFirewall(&store.Firewall{
		Name: "off", Type: store.FirewallOPNsense, BaseURL: "https://fw",
		APIKey: "k", APISecret: "x", Enabled: false,
	})

	sy.Cycle(context.Background())
	if driver.ensures != 0 {
		t.Errorf("disabled firewall was synced: %d", driver.ensures)
	}
}

// TestBackoffOnFailure tests exponential retry capped at the interval
func TestBackoffOnFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.failSetAlias = errors.New("remote broke")
	sy, _, s, clk := testSyncer(t, driver)

	s.AddFirewall(&store.Firewall{
		Name: "edge", Type: store.FirewallOPNsense, BaseURL: "https://fw",
		APIKey: "k", APISecret: "x", Enabled: true, ApplyChanges: true,
	})

	ctx := context.Background()
	sy.Cycle(ctx)
	failedEnsures := driver.ensures
	if failedEnsures != 1 {
		t.Fatalf("expected first attempt, got %d", failedEnsures)
	}

	// Within backoff: skipped
	sy.Cycle(ctx)
	if driver.ensures != failedEnsures {
		t.Errorf("firewall retried inside backoff window")
	}

	// Past backoff: retried
	clk.Advance(16 * time.Second)
	sy.Cycle(ctx)
	if driver.ensures != failedEnsures+1 {
		t.Errorf("firewall not retried after backoff: %d", driver.ensures)
	}

	// Recovery resets the backoff
	driver.failSetAlias = nil
	clk.Advance(time.Minute)
	sy.Cycle(ctx)
	before := driver.ensures
	sy.Cycle(ctx)
	if driver.ensures != before+1 {
		t.Errorf("healthy firewall skipped: %d", driver.ensures)
	}
}

// TestTriggerNowCoalesces tests the on-demand signal
func TestTriggerNowCoalesces(t *testing.T) {
	driver := newFakeDriver()
	sy, _, _, _ := testSyncer(t, driver)

	sy.TriggerNow()
	sy.TriggerNow()
	sy.TriggerNow()

	select {
	case <-sy.trigger:
	default:
		t.Fatal("expected pending trigger")
	}
	select {
	case <-sy.trigger:
		t.Error("triggers did not coalesce")
	default:
	}
}
