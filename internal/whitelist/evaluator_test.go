package whitelist

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/store"
)

type fakeResolver struct {
	hosts map[string][]net.IP
	calls int
	err   error
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]net.IP, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ips, ok := f.hosts[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func testEvaluator(t *testing.T, resolver HostResolver) (*Evaluator, *store.Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Options{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, resolver, clk), s, clk
}

// TestNetworkAndBareIPEntries tests CIDR membership and bare IP equality
func TestNetworkAndBareIPEntries(t *testing.T) {
	e, s, _ := testEvaluator(t, nil)
	ctx := context.Background()

	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "192.168.0.0/16"})
	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "203.0.113.7"})

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.50", true},
		{"192.169.1.50", false},
		{"203.0.113.7", true},
		{"203.0.113.8", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		got, err := e.IsWhitelisted(ctx, tt.ip)
		if err != nil {
			t.Fatalf("IsWhitelisted(%s): %v", tt.ip, err)
		}
		if got != tt.want {
			t.Errorf("IsWhitelisted(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

// TestFQDNEntries tests FQDN resolution and the 60s cache
func TestFQDNEntries(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"trusted.example.com": {net.ParseIP("198.51.100.20")},
	}}
	e, s, clk := testEvaluator(t, resolver)
	ctx := context.Background()

	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "Trusted.Example.COM"})

	ok, err := e.IsWhitelisted(ctx, "198.51.100.20")
	if err != nil || !ok {
		t.Fatalf("expected whitelisted via FQDN, got %v err=%v", ok, err)
	}
	if resolver.calls != 1 {
		t.Fatalf("expected 1 lookup, got %d", resolver.calls)
	}

	// Within the cache TTL: no new lookup
	e.IsWhitelisted(ctx, "198.51.100.20")
	if resolver.calls != 1 {
		t.Errorf("expected cached resolution, got %d calls", resolver.calls)
	}

	// Past the TTL: re-resolve
	clk.Advance(2 * time.Minute)
	e.IsWhitelisted(ctx, "198.51.100.20")
	if resolver.calls != 2 {
		t.Errorf("expected re-resolution after TTL, got %d calls", resolver.calls)
	}

	// Non-matching IP
	ok, _ = e.IsWhitelisted(ctx, "198.51.100.21")
	if ok {
		t.Error("unexpected match")
	}
}

// TestBrokenEntriesSkipped tests fail-safe handling of bad entries
func TestBrokenEntriesSkipped(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("resolver down")}
	e, s, _ := testEvaluator(t, resolver)
	ctx := context.Background()

	// One unresolvable FQDN, one good network
	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "dead.example.com"})
	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "10.0.0.0/8"})

	// The broken entry is skipped; the good one still matches
	ok, err := e.IsWhitelisted(ctx, "10.1.2.3")
	if err != nil || !ok {
		t.Errorf("expected match despite broken entry, got %v err=%v", ok, err)
	}

	// Resolver failure on the only candidate entry means no match, no error
	ok, err = e.IsWhitelisted(ctx, "172.16.0.1")
	if err != nil || ok {
		t.Errorf("expected clean no-match, got %v err=%v", ok, err)
	}
}

// TestStoreFailurePropagates tests that a dead store is an error, not false
func TestStoreFailurePropagates(t *testing.T) {
	e, s, _ := testEvaluator(t, nil)
	s.Close()

	_, err := e.IsWhitelisted(context.Background(), "10.0.0.1")
	if err == nil {
		t.Error("expected error from closed store")
	}
}

// TestInvalidateCache tests that edits take effect immediately
func TestInvalidateCache(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]net.IP{
		"trusted.example.com": {net.ParseIP("198.51.100.20")},
	}}
	e, s, _ := testEvaluator(t, resolver)
	ctx := context.Background()

	s.AddWhitelistEntry(&store.WhitelistEntry{CIDR: "trusted.example.com"})
	e.IsWhitelisted(ctx, "198.51.100.20")
	if resolver.calls != 1 {
		t.Fatalf("expected 1 lookup, got %d", resolver.calls)
	}

	e.InvalidateCache()
	e.IsWhitelisted(ctx, "198.51.100.20")
	if resolver.calls != 2 {
		t.Errorf("expected re-resolution after invalidate, got %d", resolver.calls)
	}
}
