// Package gateway projects Mimosa's intended state onto firewall
// appliances. A Driver wraps one appliance's management API; the
// synchronizer drives it with desired alias sets and lets the driver work
// out the minimal diff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"grimm.is/mimosa/internal/store"
)

// Error kinds the synchronizer and API map onto distinct responses.
var (
	// ErrUnauthorized means the appliance rejected the credentials or the
	// key lacks permission (401/403).
	ErrUnauthorized = errors.New("firewall credentials rejected or lack permission")
	// ErrUnreachable means a transport-level failure talking to the
	// appliance.
	ErrUnreachable = errors.New("firewall unreachable")
)

// PartialError reports a batch where some entries failed and the rest
// committed.
type PartialError struct {
	Op     string
	Failed map[string]error
}

func (e *PartialError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s: %d entries failed (%s)", e.Op, len(e.Failed), strings.Join(keys, ", "))
}

// Rule is a managed filter rule as seen on the appliance.
type Rule struct {
	ID          string `json:"id"` // UUID on OPNsense, positional id on pfSense
	Description string `json:"description"`
	SourceAlias string `json:"source_alias"`
	Action      string `json:"action"` // pass or block
	Enabled     bool   `json:"enabled"`
	Sequence    int    `json:"sequence"`
}

// TestResult is the connectivity probe outcome.
type TestResult struct {
	Online    bool   `json:"online"`
	Message   string `json:"message"`
	LatencyMS int64  `json:"latency_ms"`
}

// Driver is the capability set shared by all appliance types. Every
// implementation serializes its own mutations; callers may invoke
// concurrently.
type Driver interface {
	// EnsureAliases idempotently creates the canonical aliases.
	EnsureAliases(ctx context.Context) error
	// InstallRules idempotently installs whitelist-pass, temporal-block
	// and blacklist-block in that order. Existing rules keep their
	// enabled state.
	InstallRules(ctx context.Context) error

	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	ToggleRule(ctx context.Context, id string, enabled bool) error
	DeleteRule(ctx context.Context, id string) error

	// ListAlias returns the live entries of an alias.
	ListAlias(ctx context.Context, alias string) ([]string, error)
	AddToAlias(ctx context.Context, alias, entry string) error
	AddBulk(ctx context.Context, alias string, entries []string) error
	RemoveFromAlias(ctx context.Context, alias, entry string) error
	// SetAliasContents reconciles the alias to exactly entries, issuing
	// only the diff. Returns whether anything changed.
	SetAliasContents(ctx context.Context, alias string, entries []string) (bool, error)
	// SyncPortsAlias reconciles the TCP or UDP port alias. Per-port
	// failures come back as a *PartialError.
	SyncPortsAlias(ctx context.Context, protocol string, ports []int) error

	// Apply commits pending changes into the active ruleset.
	Apply(ctx context.Context) error
	TestConnectivity(ctx context.Context) TestResult
}

// HostResolver resolves FQDN whitelist entries before projection.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
}

// New builds the driver for a firewall config.
func New(fw *store.Firewall, resolver HostResolver) (Driver, error) {
	switch fw.Type {
	case store.FirewallOPNsense:
		return newOPNsense(fw, resolver), nil
	case store.FirewallPfSense:
		return newPfSense(fw, resolver), nil
	default:
		return nil, fmt.Errorf("unknown firewall type %q", fw.Type)
	}
}

// diffSets computes the minimal change from current to desired.
func diffSets(current, desired []string) (toAdd, toRemove []string) {
	have := make(map[string]struct{}, len(current))
	for _, c := range current {
		have[c] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		want[d] = struct{}{}
	}

	for d := range want {
		if _, ok := have[d]; !ok {
			toAdd = append(toAdd, d)
		}
	}
	for c := range have {
		if _, ok := want[c]; !ok {
			toRemove = append(toRemove, c)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}

// entryKind classifies an alias entry for type selection.
type entryKind int

const (
	kindHost entryKind = iota
	kindNetwork
	kindFQDN
	kindInvalid
)

func classifyEntry(entry string) entryKind {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return kindInvalid
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			return kindNetwork
		}
		return kindInvalid
	}
	if net.ParseIP(entry) != nil {
		return kindHost
	}
	return kindFQDN
}

// resolveEntries expands FQDN entries to addresses, skipping what does not
// resolve. Used by drivers whose alias types hold plain addresses.
func resolveEntries(ctx context.Context, resolver HostResolver, entries []string, warn func(entry string, err error)) []string {
	var out []string
	for _, e := range entries {
		switch classifyEntry(e) {
		case kindHost, kindNetwork:
			out = append(out, e)
		case kindFQDN:
			if resolver == nil {
				warn(e, errors.New("no resolver configured"))
				continue
			}
			ips, err := resolver.LookupHost(ctx, e)
			if err != nil {
				warn(e, err)
				continue
			}
			for _, ip := range ips {
				out = append(out, ip.String())
			}
		case kindInvalid:
			warn(e, errors.New("unparseable entry"))
		}
	}
	sort.Strings(out)
	return out
}
