package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"grimm.is/mimosa/internal/store"
)

// fakeOPNsense is a minimal in-memory appliance for driver tests.
type fakeOPNsense struct {
	mu        sync.Mutex
	aliases   map[string][]string // name -> entries
	mutations int
	reconfigs int
	denyAuth  bool
}

func newFakeOPNsense() *fakeOPNsense {
	return &fakeOPNsense{aliases: make(map[string][]string)}
}

func (f *fakeOPNsense) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.denyAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		path := r.URL.Path
		switch {
		case strings.HasPrefix(path, "/api/firewall/alias/getAliasUUID/"):
			name := strings.TrimPrefix(path, "/api/firewall/alias/getAliasUUID/")
			uuid := ""
			if _, ok := f.aliases[name]; ok {
				uuid = "uuid-" + name
			}
			json.NewEncoder(w).Encode(map[string]string{"uuid": uuid})

		case path == "/api/firewall/alias/addItem":
			var body struct {
				Alias aliasSpec `json:"alias"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.aliases[body.Alias.Name] = []string{}
			f.mutations++
			json.NewEncoder(w).Encode(map[string]string{"result": "saved"})

		case strings.HasPrefix(path, "/api/firewall/alias_util/list/"):
			name := strings.TrimPrefix(path, "/api/firewall/alias_util/list/")
			rows := []map[string]string{}
			for _, e := range f.aliases[name] {
				rows = append(rows, map[string]string{"ip": e})
			}
			json.NewEncoder(w).Encode(map[string]any{"rows": rows})

		case strings.HasPrefix(path, "/api/firewall/alias_util/add/"):
			name := strings.TrimPrefix(path, "/api/firewall/alias_util/add/")
			var body struct {
				Address string `json:"address"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.aliases[name] = append(f.aliases[name], body.Address)
			f.mutations++
			json.NewEncoder(w).Encode(map[string]string{"status": "done"})

		case strings.HasPrefix(path, "/api/firewall/alias_util/delete/"):
			name := strings.TrimPrefix(path, "/api/firewall/alias_util/delete/")
			var body struct {
				Address string `json:"address"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			var kept []string
			for _, e := range f.aliases[name] {
				if e != body.Address {
					kept = append(kept, e)
				}
			}
			f.aliases[name] = kept
			f.mutations++
			json.NewEncoder(w).Encode(map[string]string{"status": "done"})

		case path == "/api/firewall/alias/reconfigure":
			f.reconfigs++
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		case path == "/api/firewall/filter/searchRule":
			json.NewEncoder(w).Encode(map[string]any{"rows": []any{}})

		case path == "/api/firewall/filter/addRule":
			f.mutations++
			json.NewEncoder(w).Encode(map[string]string{"result": "saved"})

		case path == "/api/firewall/filter/apply":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		default:
			http.NotFound(w, r)
		}
	})
}

func testOPNsenseDriver(t *testing.T, f *fakeOPNsense, resolver HostResolver) *opnsense {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return newOPNsense(&store.Firewall{
		Name: "test", Type: store.FirewallOPNsense, BaseURL: srv.URL,
		APIKey: "k", APISecret: "s", Enabled: true, ApplyChanges: true,
	}, resolver)
}

// TestOPNsenseEnsureAliases tests idempotent alias creation
func TestOPNsenseEnsureAliases(t *testing.T) {
	f := newFakeOPNsense()
	d := testOPNsenseDriver(t, f, nil)
	ctx := context.Background()

	if err := d.EnsureAliases(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, name := range []string{store.AliasWhitelist, store.AliasTemporal, store.AliasBlacklist,
		store.AliasPortsTCP, store.AliasPortsUDP} {
		if _, ok := f.aliases[name]; !ok {
			t.Errorf("alias %s not created", name)
		}
	}

	// Second run is a noop
	before := f.mutations
	if err := d.EnsureAliases(ctx); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if f.mutations != before {
		t.Errorf("second ensure mutated: %d -> %d", before, f.mutations)
	}
}

// TestOPNsenseSetAliasContents tests diff-only reconciliation
func TestOPNsenseSetAliasContents(t *testing.T) {
	f := newFakeOPNsense()
	f.aliases[store.AliasTemporal] = []string{"192.0.2.1", "192.0.2.2"}
	d := testOPNsenseDriver(t, f, nil)
	ctx := context.Background()

	desired := []string{"192.0.2.2", "192.0.2.3"}
	changed, err := d.SetAliasContents(ctx, store.AliasTemporal, desired)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !changed {
		t.Error("expected changed")
	}

	got := f.aliases[store.AliasTemporal]
	want := map[string]bool{"192.0.2.2": true, "192.0.2.3": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Errorf("alias contents: %v", got)
	}

	// Idempotent: second run with the same desired set issues zero
	// mutations
	before := f.mutations
	changed, err = d.SetAliasContents(ctx, store.AliasTemporal, desired)
	if err != nil {
		t.Fatalf("set again: %v", err)
	}
	if changed || f.mutations != before {
		t.Errorf("second run not idempotent: changed=%v mutations %d -> %d", changed, before, f.mutations)
	}
}

// TestOPNsenseWhitelistResolvesFQDNs tests FQDN resolution before the
// entries reach a network alias
func TestOPNsenseWhitelistResolvesFQDNs(t *testing.T) {
	f := newFakeOPNsense()
	f.aliases[store.AliasWhitelist] = []string{}
	resolver := &stubResolver{hosts: map[string][]net.IP{
		"trusted.example.com": {net.ParseIP("198.51.100.20")},
	}}
	d := testOPNsenseDriver(t, f, resolver)

	changed, err := d.SetAliasContents(context.Background(), store.AliasWhitelist,
		[]string{"192.0.2.1", "10.0.0.0/8", "trusted.example.com", "dead.example.com"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !changed {
		t.Error("expected changed")
	}

	got := make(map[string]bool)
	for _, e := range f.aliases[store.AliasWhitelist] {
		got[e] = true
	}
	for _, want := range []string{"192.0.2.1", "10.0.0.0/8", "198.51.100.20"} {
		if !got[want] {
			t.Errorf("missing entry %s in %v", want, f.aliases[store.AliasWhitelist])
		}
	}
	// The raw hostname and the unresolvable one never land on the appliance
	if got["trusted.example.com"] || got["dead.example.com"] {
		t.Errorf("hostname pushed verbatim: %v", f.aliases[store.AliasWhitelist])
	}
}

// TestOPNsenseSetCreatesMissingAlias tests create-then-fill
func TestOPNsenseSetCreatesMissingAlias(t *testing.T) {
	f := newFakeOPNsense()
	d := testOPNsenseDriver(t, f, nil)

	changed, err := d.SetAliasContents(context.Background(), store.AliasBlacklist, []string{"192.0.2.9"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !changed {
		t.Error("expected changed")
	}
	if got := f.aliases[store.AliasBlacklist]; len(got) != 1 || got[0] != "192.0.2.9" {
		t.Errorf("alias contents: %v", got)
	}
}

// TestOPNsenseAuthError tests the unauthorized mapping
func TestOPNsenseAuthError(t *testing.T) {
	f := newFakeOPNsense()
	f.denyAuth = true
	d := testOPNsenseDriver(t, f, nil)

	err := d.EnsureAliases(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	res := d.TestConnectivity(context.Background())
	if res.Online {
		t.Error("expected offline probe result")
	}
}

// TestOPNsenseUnreachable tests the transport error mapping
func TestOPNsenseUnreachable(t *testing.T) {
	d := newOPNsense(&store.Firewall{
		Name: "down", Type: store.FirewallOPNsense,
		BaseURL: "http://127.0.0.1:1", APIKey: "k", APISecret: "s",
	}, nil)

	err := d.EnsureAliases(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}
