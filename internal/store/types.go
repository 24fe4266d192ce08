package store

import (
	"time"
)

// Severity is the offense severity scale. The Spanish names are part of the
// wire contract with the plugins and must not be translated.
type Severity string

const (
	SeverityBajo    Severity = "bajo"
	SeverityMedio   Severity = "medio"
	SeverityAlto    Severity = "alto"
	SeverityCritico Severity = "critico"
)

// Rank orders severities for comparison; higher is more severe.
// Unknown severities rank below bajo.
func (s Severity) Rank() int {
	switch s {
	case SeverityBajo:
		return 1
	case SeverityMedio:
		return 2
	case SeverityAlto:
		return 3
	case SeverityCritico:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Offense is a single detected signal of hostile behavior tied to a source
// IP. Immutable after insert.
type Offense struct {
	ID               int64          `json:"id"`
	SourceIP         string         `json:"source_ip"`
	Description      string         `json:"description"`
	DescriptionClean string         `json:"description_clean"`
	Plugin           string         `json:"plugin,omitempty"`
	Severity         Severity       `json:"severity,omitempty"`
	Host             string         `json:"host,omitempty"`
	Path             string         `json:"path,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Block is a decision to have the firewall drop traffic from a source IP.
// ExpiresAt nil means permanent. At most one active block exists per IP.
type Block struct {
	ID               int64      `json:"id"`
	IP               string     `json:"ip"`
	Reason           string     `json:"reason"`
	ReasonText       string     `json:"reason_text,omitempty"`
	ReasonPlugin     string     `json:"reason_plugin,omitempty"`
	Source           string     `json:"source"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Active           bool       `json:"active"`
	SyncWithFirewall bool       `json:"sync_with_firewall"`
}

// Permanent reports whether the block never expires.
func (b *Block) Permanent() bool {
	return b.ExpiresAt == nil
}

// HistoryAction is the audit action recorded for each block transition.
type HistoryAction string

const (
	HistoryAdd    HistoryAction = "add"
	HistoryRemove HistoryAction = "remove"
	HistoryExpire HistoryAction = "expire"
	HistoryExtend HistoryAction = "extend"
)

// HistoryEntry is an append-only audit row for block transitions.
// It references the IP, never the block row.
type HistoryEntry struct {
	ID     int64         `json:"id"`
	IP     string        `json:"ip"`
	Reason string        `json:"reason"`
	Action HistoryAction `json:"action"`
	At     time.Time     `json:"at"`
	Source string        `json:"source,omitempty"`
}

// Classification buckets an IP by its operator type.
type Classification string

const (
	ClassDatacenter   Classification = "datacenter"
	ClassResidential  Classification = "residential"
	ClassGovernmental Classification = "governmental"
	ClassEducational  Classification = "educational"
	ClassCorporate    Classification = "corporate"
	ClassMobile       Classification = "mobile"
	ClassProxy        Classification = "proxy"
	ClassUnknown      Classification = "unknown"
)

// IPProfile is the per-IP enrichment record. Created on first offense,
// refreshed lazily, never deleted automatically.
type IPProfile struct {
	IP             string         `json:"ip"`
	GeoJSON        string         `json:"geo_json,omitempty"`
	Country        string         `json:"country,omitempty"`
	ReverseDNS     string         `json:"reverse_dns,omitempty"`
	Classification Classification `json:"classification"`
	IsProxy        bool           `json:"is_proxy"`
	IsMobile       bool           `json:"is_mobile"`
	IsHosting      bool           `json:"is_hosting"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	EnrichedAt     *time.Time     `json:"enriched_at,omitempty"`
	OffensesTotal  int64          `json:"offenses_total"`
	BlocksTotal    int64          `json:"blocks_total"`
}

// WhitelistEntry protects a CIDR, bare IP or FQDN from blocking.
type WhitelistEntry struct {
	ID        int64     `json:"id"`
	CIDR      string    `json:"cidr"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Rule is an escalation rule. Wildcard fields use * and ?, case-insensitive;
// "*" matches everything. BlockMinutes nil means permanent block.
type Rule struct {
	ID             int64  `json:"id"`
	Plugin         string `json:"plugin"`
	EventID        string `json:"event_id"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	MinLastHour    int    `json:"min_last_hour"`
	MinTotal       int    `json:"min_total"`
	MinBlocksTotal int    `json:"min_blocks_total"`
	BlockMinutes   *int   `json:"block_minutes,omitempty"`
}

// FirewallType selects the gateway driver.
type FirewallType string

const (
	FirewallOPNsense FirewallType = "opnsense"
	FirewallPfSense  FirewallType = "pfsense"
)

// Firewall is the configuration of one managed firewall appliance.
type Firewall struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	Type           FirewallType `json:"type"`
	BaseURL        string       `json:"base_url"`
	APIKey         string       `json:"api_key"`
	APISecret      string       `json:"-"`
	VerifySSL      bool         `json:"verify_ssl"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	Enabled        bool         `json:"enabled"`
	ApplyChanges   bool         `json:"apply_changes"`
}

// Timeout returns the configured request timeout with the 5s default.
func (f *Firewall) Timeout() time.Duration {
	if f.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// OffenseFilter narrows List queries.
type OffenseFilter struct {
	IP       string
	Plugin   string
	Severity Severity
	Since    time.Time
	Until    time.Time
}

// Canonical alias names on the firewall appliances. These are part of the
// wire contract and must not drift.
const (
	AliasTemporal  = "mimosa_temporal_list"
	AliasBlacklist = "mimosa_blacklist"
	AliasWhitelist = "mimosa_whitelist"
	AliasPortsTCP  = "mimosa_ports_tcp"
	AliasPortsUDP  = "mimosa_ports_udp"
	AliasHost      = "mimosa_host"
)
