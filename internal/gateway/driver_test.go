package gateway

import (
	"context"
	"net"
	"reflect"
	"testing"
)

// TestDiffSets tests minimal diff computation
func TestDiffSets(t *testing.T) {
	tests := []struct {
		name             string
		current, desired []string
		wantAdd, wantRem []string
	}{
		{"empty to empty", nil, nil, nil, nil},
		{"all new", nil, []string{"a", "b"}, []string{"a", "b"}, nil},
		{"all gone", []string{"a", "b"}, nil, nil, []string{"a", "b"}},
		{"no change", []string{"a", "b"}, []string{"b", "a"}, nil, nil},
		{"mixed", []string{"a", "b", "c"}, []string{"b", "d"}, []string{"d"}, []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			add, rem := diffSets(tt.current, tt.desired)
			if !reflect.DeepEqual(add, tt.wantAdd) {
				t.Errorf("toAdd = %v, want %v", add, tt.wantAdd)
			}
			if !reflect.DeepEqual(rem, tt.wantRem) {
				t.Errorf("toRemove = %v, want %v", rem, tt.wantRem)
			}
		})
	}
}

// TestClassifyEntry tests entry type selection
func TestClassifyEntry(t *testing.T) {
	tests := []struct {
		entry string
		want  entryKind
	}{
		{"192.168.1.1", kindHost},
		{"2001:db8::1", kindHost},
		{"10.0.0.0/8", kindNetwork},
		{"2001:db8::/32", kindNetwork},
		{"host.example.com", kindFQDN},
		{"", kindInvalid},
		{"10.0.0.0/99", kindInvalid},
	}
	for _, tt := range tests {
		if got := classifyEntry(tt.entry); got != tt.want {
			t.Errorf("classifyEntry(%q) = %v, want %v", tt.entry, got, tt.want)
		}
	}
}

type stubResolver struct {
	hosts map[string][]net.IP
}

func (s *stubResolver) LookupHost(_ context.Context, host string) ([]net.IP, error) {
	if ips, ok := s.hosts[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// TestResolveEntries tests FQDN expansion with skip-and-warn
func TestResolveEntries(t *testing.T) {
	resolver := &stubResolver{hosts: map[string][]net.IP{
		"good.example.com": {net.ParseIP("198.51.100.20")},
	}}

	var warned []string
	out := resolveEntries(context.Background(),
		resolver,
		[]string{"192.0.2.1", "10.0.0.0/8", "good.example.com", "dead.example.com"},
		func(entry string, err error) { warned = append(warned, entry) },
	)

	want := []string{"10.0.0.0/8", "192.0.2.1", "198.51.100.20"}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("resolved = %v, want %v", out, want)
	}
	if len(warned) != 1 || warned[0] != "dead.example.com" {
		t.Errorf("warned = %v", warned)
	}
}
