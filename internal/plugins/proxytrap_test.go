package plugins

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"grimm.is/mimosa/internal/store"
)

func trapRequest(target, host string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Host = host
	r.RemoteAddr = "203.0.113.10:51515"
	return r
}

// TestProxyTrapRecordsHit tests offense creation from an HTTP hit
func TestProxyTrapRecordsHit(t *testing.T) {
	p, s, _, _ := testPipeline(t, nil)
	trap := NewProxyTrap(ProxyTrapConfig{
		Enabled:         true,
		DefaultSeverity: store.SeverityBajo,
		ResponseType:    "404",
		DomainPolicies: []DomainPolicy{
			{Pattern: "admin.*", Severity: store.SeverityAlto},
		},
	}, p)

	w := httptest.NewRecorder()
	trap.handle(w, trapRequest("/wp-login.php", "admin.example.com"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	listed, err := s.ListOffenses(store.OffenseFilter{IP: "203.0.113.10"}, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("offense not recorded: %v %d", err, len(listed))
	}
	o := listed[0]
	if o.DescriptionClean != "honeypot GET admin.example.com/wp-login.php" {
		t.Errorf("description = %q", o.DescriptionClean)
	}
	if o.Severity != store.SeverityAlto {
		t.Errorf("severity = %q, want alto from domain policy", o.Severity)
	}
	if o.Plugin != NameProxyTrap {
		t.Errorf("plugin = %q", o.Plugin)
	}
}

// TestProxyTrapDefaultSeverity tests the fallback when no policy matches
func TestProxyTrapDefaultSeverity(t *testing.T) {
	p, s, _, _ := testPipeline(t, nil)
	trap := NewProxyTrap(ProxyTrapConfig{
		Enabled:         true,
		DefaultSeverity: store.SeverityMedio,
		DomainPolicies: []DomainPolicy{
			{Pattern: "admin.*", Severity: store.SeverityAlto},
		},
	}, p)

	trap.handle(httptest.NewRecorder(), trapRequest("/", "other.example.com"))

	listed, _ := s.ListOffenses(store.OffenseFilter{}, 10)
	if len(listed) != 1 || listed[0].Severity != store.SeverityMedio {
		t.Fatalf("expected one medio offense, got %+v", listed)
	}
}

// TestProxyTrapResponseTypes tests the three configured response modes
func TestProxyTrapResponseTypes(t *testing.T) {
	p, _, _, _ := testPipeline(t, nil)

	cases := []struct {
		cfg      ProxyTrapConfig
		wantCode int
		wantBody string
	}{
		{ProxyTrapConfig{ResponseType: "silence"}, http.StatusNoContent, ""},
		{ProxyTrapConfig{ResponseType: "404"}, http.StatusNotFound, ""},
		{ProxyTrapConfig{ResponseType: "custom", CustomHTML: "<h1>under maintenance</h1>"}, http.StatusOK, "<h1>under maintenance</h1>"},
	}
	for _, c := range cases {
		trap := NewProxyTrap(c.cfg, p)
		w := httptest.NewRecorder()
		trap.handle(w, trapRequest("/", "x.example.com"))
		if w.Code != c.wantCode {
			t.Errorf("%s: status = %d, want %d", c.cfg.ResponseType, w.Code, c.wantCode)
		}
		if c.wantBody != "" && w.Body.String() != c.wantBody {
			t.Errorf("%s: body = %q", c.cfg.ResponseType, w.Body.String())
		}
	}
}

// TestProxyTrapTrapHosts tests host scoping
func TestProxyTrapTrapHosts(t *testing.T) {
	p, s, _, _ := testPipeline(t, nil)
	trap := NewProxyTrap(ProxyTrapConfig{
		Enabled:         true,
		DefaultSeverity: store.SeverityMedio,
		ResponseType:    "404",
		TrapHosts:       []string{"*.trap.example.com"},
	}, p)

	trap.handle(httptest.NewRecorder(), trapRequest("/", "legit.example.com"))
	trap.handle(httptest.NewRecorder(), trapRequest("/", "bait.trap.example.com"))

	listed, _ := s.ListOffenses(store.OffenseFilter{}, 10)
	if len(listed) != 1 {
		t.Fatalf("expected 1 offense, got %d", len(listed))
	}
	if listed[0].Host != "bait.trap.example.com" {
		t.Errorf("trapped host = %q", listed[0].Host)
	}
}

// TestProxyTrapForwardedFor tests source extraction behind a proxy
func TestProxyTrapForwardedFor(t *testing.T) {
	p, s, _, _ := testPipeline(t, nil)
	trap := NewProxyTrap(ProxyTrapConfig{Enabled: true, DefaultSeverity: store.SeverityBajo}, p)

	r := trapRequest("/", "x.example.com")
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	trap.handle(httptest.NewRecorder(), r)

	listed, _ := s.ListOffenses(store.OffenseFilter{IP: "198.51.100.7"}, 10)
	if len(listed) != 1 {
		t.Fatalf("forwarded source not honored: %d", len(listed))
	}
}
