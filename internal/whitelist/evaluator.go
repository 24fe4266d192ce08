// Package whitelist decides whether a source IP is protected from blocking.
// Entries are CIDR networks, bare IPs or FQDNs; FQDNs are resolved through
// a short-lived cache so sync loops do not hammer the resolver.
package whitelist

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
)

// HostResolver resolves an FQDN to addresses. *profile.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
}

const resolverCacheTTL = 60 * time.Second

type cachedResolution struct {
	ips     []net.IP
	expires time.Time
}

// Evaluator answers is-whitelisted queries against the stored entries.
type Evaluator struct {
	store    *store.Store
	resolver HostResolver
	clock    clock.Clock
	log      *logging.Logger

	mu    sync.Mutex
	cache map[string]cachedResolution
}

// New builds an Evaluator. resolver may be nil, in which case FQDN entries
// never match.
func New(s *store.Store, resolver HostResolver, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Evaluator{
		store:    s,
		resolver: resolver,
		clock:    clk,
		log:      logging.WithComponent("whitelist"),
		cache:    make(map[string]cachedResolution),
	}
}

// IsWhitelisted reports whether ip matches any whitelist entry. A non-nil
// error means the lookup itself could not be performed; callers must treat
// that as "withhold from firewall", never as "not whitelisted".
func (e *Evaluator) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		// A malformed IP cannot match anything, and blocking it is
		// impossible anyway.
		return false, nil
	}

	entries, err := e.store.ListWhitelist()
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if e.entryMatches(ctx, entry, parsed) {
			return true, nil
		}
	}
	return false, nil
}

// entryMatches tests one entry. Broken entries are skipped with a warning,
// never propagated.
func (e *Evaluator) entryMatches(ctx context.Context, entry *store.WhitelistEntry, ip net.IP) bool {
	value := strings.TrimSpace(entry.CIDR)

	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			e.log.Warn("invalid whitelist CIDR, skipping", "entry", value, "error", err)
			return false
		}
		return network.Contains(ip)
	}

	if bare := net.ParseIP(value); bare != nil {
		return bare.Equal(ip)
	}

	// FQDN entry
	if e.resolver == nil {
		return false
	}
	for _, resolved := range e.resolve(ctx, strings.ToLower(value)) {
		if resolved.Equal(ip) {
			return true
		}
	}
	return false
}

// resolve returns the cached or freshly resolved addresses for an FQDN.
// Resolution failures are warned and yield no addresses.
func (e *Evaluator) resolve(ctx context.Context, fqdn string) []net.IP {
	now := e.clock.Now()

	e.mu.Lock()
	if cached, ok := e.cache[fqdn]; ok && now.Before(cached.expires) {
		e.mu.Unlock()
		return cached.ips
	}
	e.mu.Unlock()

	ips, err := e.resolver.LookupHost(ctx, fqdn)
	if err != nil {
		e.log.Warn("whitelist FQDN resolution failed, skipping entry", "fqdn", fqdn, "error", err)
		ips = nil
	}

	e.mu.Lock()
	e.cache[fqdn] = cachedResolution{ips: ips, expires: now.Add(resolverCacheTTL)}
	e.mu.Unlock()
	return ips
}

// InvalidateCache drops all cached resolutions. Called when the whitelist
// is edited so changes take effect immediately.
func (e *Evaluator) InvalidateCache() {
	e.mu.Lock()
	e.cache = make(map[string]cachedResolution)
	e.mu.Unlock()
}
