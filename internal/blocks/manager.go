// Package blocks owns the block lifecycle: the in-memory authoritative set
// of active blocks, their persistence, expiry and the whitelist gate that
// decides what reaches the firewalls.
package blocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// WhitelistChecker is the slice of the whitelist evaluator the manager
// needs for ShouldSync.
type WhitelistChecker interface {
	IsWhitelisted(ctx context.Context, ip string) (bool, error)
}

// entry pairs a cached block with the severity that produced its current
// reason. Severity is in-memory only; after a restart it resets and the
// next offense's reason wins.
type entry struct {
	block    *store.Block
	severity store.Severity
}

// Manager is the single writer for block state. One mutex guards the map
// and its invariants; critical sections never do remote I/O.
type Manager struct {
	mu        sync.Mutex
	active    map[string]*entry
	store     *store.Store
	whitelist WhitelistChecker
	hub       *events.Hub
	clock     clock.Clock
	log       *logging.Logger
}

// AddRequest describes one block request.
type AddRequest struct {
	IP              string
	Reason          string
	ReasonText      string
	ReasonPlugin    string
	Severity        store.Severity
	Source          string
	DurationMinutes *int // nil means permanent
}

// NewManager builds a Manager and loads the active set from the store.
func NewManager(s *store.Store, wl WhitelistChecker, hub *events.Hub, clk clock.Clock) (*Manager, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	m := &Manager{
		active:    make(map[string]*entry),
		store:     s,
		whitelist: wl,
		hub:       hub,
		clock:     clk,
		log:       logging.WithComponent("blocks"),
	}
	if err := m.ReloadActive(); err != nil {
		return nil, err
	}
	return m, nil
}

// Add creates a block for the IP, or extends the existing one. Extension
// never shortens: the new expiry is the max of existing and computed. The
// reason is replaced only when the new severity outranks the one that set
// it. Returns the resulting block.
func (m *Manager) Add(req AddRequest) (*store.Block, error) {
	if err := validation.ValidateIP(req.IP); err != nil {
		return nil, fmt.Errorf("invalid block target: %w", err)
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("block reason is required")
	}

	now := m.clock.Now()
	var expiresAt *time.Time
	if req.DurationMinutes != nil {
		t := now.Add(time.Duration(*req.DurationMinutes) * time.Minute)
		expiresAt = &t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[req.IP]; ok {
		return m.extendLocked(existing, req, expiresAt)
	}

	b := &store.Block{
		IP:               req.IP,
		Reason:           req.Reason,
		ReasonText:       req.ReasonText,
		ReasonPlugin:     req.ReasonPlugin,
		Source:           req.Source,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		SyncWithFirewall: true,
	}
	stored, err := m.store.InsertBlockWithHistory(b)
	if err != nil {
		return nil, err
	}
	if err := m.store.BumpProfileBlocks(req.IP); err != nil {
		m.log.Warn("failed to bump block counter", "ip", req.IP, "error", err)
	}

	m.active[req.IP] = &entry{block: stored, severity: req.Severity}
	m.log.Info("block added", "ip", req.IP, "reason", req.Reason, "source", req.Source, "permanent", stored.Permanent())
	m.emit(stored, "add")
	return stored, nil
}

// extendLocked merges a new request into an existing active block.
// Permanent blocks stay permanent; a permanent request upgrades a temporal
// block. Caller holds m.mu.
func (m *Manager) extendLocked(e *entry, req AddRequest, computed *time.Time) (*store.Block, error) {
	b := e.block

	changed := false
	if b.ExpiresAt != nil {
		if computed == nil {
			b.ExpiresAt = nil
			changed = true
		} else if computed.After(*b.ExpiresAt) {
			b.ExpiresAt = computed
			changed = true
		}
	}

	if req.Severity.Rank() > e.severity.Rank() {
		b.Reason = req.Reason
		b.ReasonText = req.ReasonText
		b.ReasonPlugin = req.ReasonPlugin
		e.severity = req.Severity
		changed = true
	}

	// A repeat offense that neither moves the expiry nor upgrades the
	// reason is a no-op. Chatty scanners hitting a permanent block would
	// otherwise append an extend row per probe.
	if !changed {
		m.log.Debug("block unchanged by repeat offense", "ip", b.IP, "source", req.Source)
		return b, nil
	}

	if err := m.store.UpdateBlockWithHistory(b, store.HistoryExtend, req.Source); err != nil {
		return nil, err
	}

	m.log.Info("block extended", "ip", b.IP, "reason", b.Reason, "permanent", b.Permanent())
	m.emit(b, "extend")
	return b, nil
}

// Remove marks the IP's block inactive. A missing block is a soft miss:
// logged and reported as ErrNotFound, never fatal.
func (m *Manager) Remove(ip, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[ip]
	if !ok {
		m.log.Warn("remove requested for unblocked IP", "ip", ip, "source", source)
		return store.ErrNotFound
	}

	if err := m.store.CloseBlockWithHistory(e.block, store.HistoryRemove, source); err != nil {
		return err
	}
	delete(m.active, ip)

	now := m.clock.Now()
	e.block.Active = false
	e.block.ExpiresAt = &now

	m.log.Info("block removed", "ip", ip, "source", source)
	m.emit(e.block, "remove")
	return nil
}

// GetActive returns the active block for an IP, or nil.
func (m *Manager) GetActive(ip string) *store.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[ip]; ok {
		cp := *e.block
		return &cp
	}
	return nil
}

// ActiveIPs returns a snapshot of the IPs to project onto the firewalls,
// split into temporal and permanent sets, whitelist-gated.
func (m *Manager) ActiveIPs(ctx context.Context) (temporal, permanent []string) {
	m.mu.Lock()
	snapshot := make([]*store.Block, 0, len(m.active))
	for _, e := range m.active {
		cp := *e.block
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()

	// Whitelist checks resolve DNS; they run outside the lock.
	for _, b := range snapshot {
		if !m.ShouldSync(ctx, b) {
			continue
		}
		if b.Permanent() {
			permanent = append(permanent, b.IP)
		} else {
			temporal = append(temporal, b.IP)
		}
	}
	sort.Strings(temporal)
	sort.Strings(permanent)
	return temporal, permanent
}

// List returns blocks sorted by created_at descending.
func (m *Manager) List(includeExpired bool, limit int) ([]*store.Block, error) {
	return m.store.ListBlocks(includeExpired, limit)
}

// PurgeExpired retires blocks whose expiry has passed, appending expire
// history. Returns the purged set. Called by the synchronizer each cycle.
func (m *Manager) PurgeExpired() ([]*store.Block, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []*store.Block
	for ip, e := range m.active {
		b := e.block
		if b.ExpiresAt == nil || b.ExpiresAt.After(now) {
			continue
		}
		if err := m.store.CloseBlockWithHistory(b, store.HistoryExpire, "expiry"); err != nil {
			return purged, err
		}
		delete(m.active, ip)
		b.Active = false
		purged = append(purged, b)
		m.log.Info("block expired", "ip", ip, "reason", b.Reason)
		m.emit(b, "expire")
	}
	return purged, nil
}

// ShouldSync reports whether a block belongs on the firewall. Whitelisted
// IPs are withheld; so is anything when the whitelist cannot be evaluated.
func (m *Manager) ShouldSync(ctx context.Context, b *store.Block) bool {
	if !b.SyncWithFirewall {
		return false
	}
	if m.whitelist == nil {
		return true
	}
	whitelisted, err := m.whitelist.IsWhitelisted(ctx, b.IP)
	if err != nil {
		m.log.Warn("whitelist check failed, withholding block from firewall", "ip", b.IP, "error", err)
		return false
	}
	return !whitelisted
}

// ReloadActive rebuilds the in-memory map from the store. Also the
// self-heal path when the map is suspected to have drifted.
func (m *Manager) ReloadActive() error {
	rows, err := m.store.ActiveBlocks()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Rows already past expiry stay in the map so the next purge pass
	// retires them with proper history.
	m.active = make(map[string]*entry, len(rows))
	for _, b := range rows {
		m.active[b.IP] = &entry{block: b}
	}
	return nil
}

// Count returns the number of active blocks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) emit(b *store.Block, action string) {
	if m.hub == nil {
		return
	}
	m.hub.EmitBlock(events.BlockData{
		IP:        b.IP,
		Action:    action,
		Reason:    b.Reason,
		Source:    b.Source,
		ExpiresAt: b.ExpiresAt,
	})
}
