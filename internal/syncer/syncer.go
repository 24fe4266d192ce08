// Package syncer reconciles the block manager's intended state onto every
// enabled firewall on a fixed cadence. It only projects: blocks are never
// created or deleted here.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/gateway"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/metrics"
	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/store"
)

// fwState tracks per-firewall retry backoff and serialization.
type fwState struct {
	mu          sync.Mutex // at most one sync per firewall at a time
	backoff     time.Duration
	nextAttempt time.Time
}

// Syncer drives the reconcile loop.
type Syncer struct {
	store    *store.Store
	manager  *blocks.Manager
	resolver gateway.HostResolver
	interval time.Duration
	clock    clock.Clock
	log      *logging.Logger

	trigger chan struct{}

	// Swapped in tests.
	newDriver func(fw *store.Firewall, resolver gateway.HostResolver) (gateway.Driver, error)

	mu     sync.Mutex
	states map[int64]*fwState
}

// New builds a Syncer. Interval zero means the 5 minute default.
func New(s *store.Store, m *blocks.Manager, resolver gateway.HostResolver, interval time.Duration, clk clock.Clock) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Syncer{
		store:     s,
		manager:   m,
		resolver:  resolver,
		interval:  interval,
		clock:     clk,
		log:       logging.WithComponent("syncer"),
		trigger:   make(chan struct{}, 1),
		newDriver: gateway.New,
		states:    make(map[int64]*fwState),
	}
}

// TriggerNow schedules an immediate sync cycle. Coalesces if one is
// already pending.
func (s *Syncer) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled. The current firewall finishes
// before the loop exits.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First cycle right away so a restart converges immediately.
	s.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		case <-s.trigger:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one full reconcile pass over all enabled firewalls.
func (s *Syncer) Cycle(ctx context.Context) {
	// Self-heal: the in-memory active set is rebuilt from the store so a
	// drifted map cannot persist past one tick.
	if err := s.manager.ReloadActive(); err != nil {
		s.log.Error("failed to reload active blocks", "error", err)
		return
	}

	purged, err := s.manager.PurgeExpired()
	if err != nil {
		s.log.Error("failed to purge expired blocks", "error", err)
	}
	if len(purged) > 0 {
		s.log.Info("purged expired blocks", "count", len(purged))
	}

	firewalls, err := s.store.ListFirewalls()
	if err != nil {
		s.log.Error("failed to list firewalls", "error", err)
		return
	}

	temporal, permanent := s.manager.ActiveIPs(ctx)
	whitelist, err := s.whitelistEntries()
	if err != nil {
		s.log.Error("failed to list whitelist", "error", err)
		return
	}
	desired := desiredState{temporal: temporal, permanent: permanent, whitelist: whitelist}

	// Honeypot ports project onto the port aliases so the appliance can
	// short-circuit trapped traffic before it reaches a real service.
	var pd plugins.PortDetectorConfig
	if err := plugins.LoadConfig(s.store, plugins.NamePortDetector, &pd); err != nil {
		s.log.Warn("cannot load port detector config", "error", err)
	} else {
		desired.portsTCP, desired.portsUDP = pd.PortSets()
	}

	var wg sync.WaitGroup
	for _, fw := range firewalls {
		if !fw.Enabled {
			continue
		}
		wg.Add(1)
		go func(fw *store.Firewall) {
			defer wg.Done()
			s.syncFirewall(ctx, fw, desired)
		}(fw)
	}
	wg.Wait()
}

// desiredState is the full projection target for one cycle.
type desiredState struct {
	temporal  []string
	permanent []string
	whitelist []string
	portsTCP  []int
	portsUDP  []int
}

func (s *Syncer) whitelistEntries() ([]string, error) {
	entries, err := s.store.ListWhitelist()
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.CIDR)
	}
	return values, nil
}

func (s *Syncer) state(id int64) *fwState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &fwState{}
		s.states[id] = st
	}
	return st
}

// syncFirewall reconciles one firewall, honoring its retry backoff.
func (s *Syncer) syncFirewall(ctx context.Context, fw *store.Firewall, desired desiredState) {
	st := s.state(fw.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock.Now()
	if now.Before(st.nextAttempt) {
		s.log.Debug("skipping firewall in backoff", "firewall", fw.Name, "until", st.nextAttempt)
		return
	}

	err := s.reconcile(ctx, fw, desired)
	if err != nil {
		// Exponential backoff, capped at the tick interval, so a dead
		// appliance is not hammered but recovers within one tick.
		if st.backoff == 0 {
			st.backoff = 15 * time.Second
		} else {
			st.backoff *= 2
		}
		if st.backoff > s.interval {
			st.backoff = s.interval
		}
		st.nextAttempt = now.Add(st.backoff)
		metrics.SyncFailures.WithLabelValues(fw.Name).Inc()
		s.log.Error("firewall sync failed", "firewall", fw.Name, "error", err, "retry_in", st.backoff)
		return
	}

	st.backoff = 0
	st.nextAttempt = time.Time{}
	metrics.SyncCycles.WithLabelValues(fw.Name).Inc()
}

// reconcile is one firewall's projection: ensure scaffolding, diff the
// canonical aliases, apply if anything moved.
func (s *Syncer) reconcile(ctx context.Context, fw *store.Firewall, desired desiredState) error {
	driver, err := s.newDriver(fw, s.resolver)
	if err != nil {
		return err
	}

	start := s.clock.Now()

	if err := driver.EnsureAliases(ctx); err != nil {
		return err
	}
	if err := driver.InstallRules(ctx); err != nil {
		return err
	}

	changed := false
	sets := []struct {
		alias   string
		entries []string
	}{
		{store.AliasWhitelist, desired.whitelist},
		{store.AliasTemporal, desired.temporal},
		{store.AliasBlacklist, desired.permanent},
	}
	for _, set := range sets {
		c, err := driver.SetAliasContents(ctx, set.alias, set.entries)
		if err != nil {
			// Partial failures commit what they can; the rest retries
			// next tick.
			var partial *gateway.PartialError
			if !errors.As(err, &partial) {
				return err
			}
			s.log.Warn("partial alias reconcile", "firewall", fw.Name, "alias", set.alias, "error", err)
		}
		changed = changed || c
	}

	portSets := []struct {
		protocol string
		ports    []int
	}{
		{"tcp", desired.portsTCP},
		{"udp", desired.portsUDP},
	}
	for _, set := range portSets {
		if err := driver.SyncPortsAlias(ctx, set.protocol, set.ports); err != nil {
			var partial *gateway.PartialError
			if !errors.As(err, &partial) {
				return err
			}
			s.log.Warn("partial port alias reconcile", "firewall", fw.Name, "protocol", set.protocol, "error", err)
		}
	}

	if changed && fw.ApplyChanges {
		if err := driver.Apply(ctx); err != nil {
			return err
		}
	}

	metrics.SyncDuration.WithLabelValues(fw.Name).Observe(s.clock.Since(start).Seconds())
	s.log.Debug("firewall reconciled",
		"firewall", fw.Name,
		"temporal", len(desired.temporal),
		"blacklist", len(desired.permanent),
		"whitelist", len(desired.whitelist),
		"changed", changed)
	return nil
}
