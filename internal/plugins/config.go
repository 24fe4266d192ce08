package plugins

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"grimm.is/mimosa/internal/store"
)

// Plugin names, used as plugin_configs keys and offense plugin tags.
const (
	NameProxyTrap    = "proxytrap"
	NamePortDetector = "port_detector"
	NameNPM          = "mimosanpm"
)

// DomainPolicy maps a host wildcard to a severity for ProxyTrap.
type DomainPolicy struct {
	Pattern  string         `json:"pattern"`
	Severity store.Severity `json:"severity"`
}

// ProxyTrapConfig configures the HTTP honeypot.
type ProxyTrapConfig struct {
	Enabled         bool           `json:"enabled"`
	Port            int            `json:"port"`
	DefaultSeverity store.Severity `json:"default_severity"`
	ResponseType    string         `json:"response_type"` // silence, 404, custom
	CustomHTML      string         `json:"custom_html,omitempty"`
	TrapHosts       []string       `json:"trap_hosts,omitempty"`
	DomainPolicies  []DomainPolicy `json:"domain_policies,omitempty"`
}

// PortRule maps hit ports to a severity. Exactly one of Port, Ports or
// Range is set.
type PortRule struct {
	Protocol    string         `json:"protocol"` // tcp or udp
	Severity    store.Severity `json:"severity"`
	Port        int            `json:"port,omitempty"`
	Ports       []int          `json:"ports,omitempty"`
	Range       []int          `json:"range,omitempty"` // [start, end]
	Description string         `json:"description,omitempty"`
}

// PortDetectorConfig configures the TCP/UDP honeypot.
type PortDetectorConfig struct {
	Enabled         bool           `json:"enabled"`
	DefaultSeverity store.Severity `json:"default_severity"`
	Rules           []PortRule     `json:"rules"`
}

// PortSets flattens the rules into sorted per-protocol port lists, the
// shape the firewall port aliases take. Ranges are capped the same way
// the listeners are.
func (c *PortDetectorConfig) PortSets() (tcp, udp []int) {
	seen := make(map[string]bool)
	add := func(protocol string, port int) {
		if port < 1 || port > 65535 {
			return
		}
		key := fmt.Sprintf("%s/%d", protocol, port)
		if seen[key] {
			return
		}
		seen[key] = true
		if protocol == "tcp" {
			tcp = append(tcp, port)
		} else {
			udp = append(udp, port)
		}
	}

	for _, r := range c.Rules {
		switch {
		case r.Port != 0:
			add(r.Protocol, r.Port)
		case len(r.Ports) > 0:
			for _, port := range r.Ports {
				add(r.Protocol, port)
			}
		case len(r.Range) == 2:
			start, end := r.Range[0], r.Range[1]
			if end-start+1 > maxRangePorts {
				end = start + maxRangePorts - 1
			}
			for port := start; port <= end; port++ {
				add(r.Protocol, port)
			}
		}
	}
	sort.Ints(tcp)
	sort.Ints(udp)
	return tcp, udp
}

// NPMRule matches a proxy record to a severity.
type NPMRule struct {
	Host     string         `json:"host"`
	Path     string         `json:"path"`
	Status   string         `json:"status"`
	Severity store.Severity `json:"severity"`
}

// NPMIgnore drops a proxy record before ingestion.
type NPMIgnore struct {
	Host   string `json:"host"`
	Path   string `json:"path"`
	Status string `json:"status"`
}

// NPMConfig configures the reverse-proxy webhook.
type NPMConfig struct {
	Enabled                 bool           `json:"enabled"`
	DefaultSeverity         store.Severity `json:"default_severity"`
	FallbackSeverity        store.Severity `json:"fallback_severity,omitempty"`
	SharedSecret            string         `json:"shared_secret"`
	Rules                   []NPMRule      `json:"rules"`
	IgnoreList              []NPMIgnore    `json:"ignore_list"`
	AlertFallback           bool           `json:"alert_fallback"`
	AlertUnregisteredDomain bool           `json:"alert_unregistered_domain"`
	AlertSuspiciousPath     bool           `json:"alert_suspicious_path"`
}

// LoadConfig decodes the stored JSON blob for a plugin into out, applying
// the plugin's defaults when no config was ever stored.
func LoadConfig(s *store.Store, name string, out any) error {
	blob, err := s.GetPluginConfig(name)
	if errors.Is(err, store.ErrNotFound) {
		blob = DefaultConfigJSON(name)
	} else if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return fmt.Errorf("decode %s config: %w", name, err)
	}
	return nil
}

// SaveConfig validates and stores a plugin config blob.
func SaveConfig(s *store.Store, name string, blob []byte) error {
	if err := ValidateConfig(name, blob); err != nil {
		return err
	}
	return s.SetPluginConfig(name, string(blob))
}

// ValidateConfig checks a raw blob against the plugin's schema.
func ValidateConfig(name string, blob []byte) error {
	var err error
	switch name {
	case NameProxyTrap:
		var cfg ProxyTrapConfig
		if err = strictUnmarshal(blob, &cfg); err == nil {
			err = cfg.validate()
		}
	case NamePortDetector:
		var cfg PortDetectorConfig
		if err = strictUnmarshal(blob, &cfg); err == nil {
			err = cfg.validate()
		}
	case NameNPM:
		var cfg NPMConfig
		if err = strictUnmarshal(blob, &cfg); err == nil {
			err = cfg.validate()
		}
	default:
		return fmt.Errorf("unknown plugin %q", name)
	}
	if err != nil {
		return fmt.Errorf("invalid %s config: %w", name, err)
	}
	return nil
}

func strictUnmarshal(blob []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func (c *ProxyTrapConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DefaultSeverity != "" && !c.DefaultSeverity.Valid() {
		return fmt.Errorf("unknown severity %q", c.DefaultSeverity)
	}
	switch c.ResponseType {
	case "", "silence", "404", "custom":
	default:
		return fmt.Errorf("unknown response_type %q", c.ResponseType)
	}
	for _, p := range c.DomainPolicies {
		if !p.Severity.Valid() {
			return fmt.Errorf("domain policy %q: unknown severity %q", p.Pattern, p.Severity)
		}
	}
	return nil
}

func (c *PortDetectorConfig) validate() error {
	if c.DefaultSeverity != "" && !c.DefaultSeverity.Valid() {
		return fmt.Errorf("unknown severity %q", c.DefaultSeverity)
	}
	for i, r := range c.Rules {
		if r.Protocol != "tcp" && r.Protocol != "udp" {
			return fmt.Errorf("rule %d: unknown protocol %q", i, r.Protocol)
		}
		if r.Severity != "" && !r.Severity.Valid() {
			return fmt.Errorf("rule %d: unknown severity %q", i, r.Severity)
		}
		forms := 0
		if r.Port != 0 {
			forms++
		}
		if len(r.Ports) > 0 {
			forms++
		}
		if len(r.Range) > 0 {
			forms++
		}
		if forms != 1 {
			return fmt.Errorf("rule %d: exactly one of port, ports or range is required", i)
		}
		if len(r.Range) > 0 && (len(r.Range) != 2 || r.Range[0] > r.Range[1]) {
			return fmt.Errorf("rule %d: range must be [start, end]", i)
		}
	}
	return nil
}

func (c *NPMConfig) validate() error {
	if c.DefaultSeverity != "" && !c.DefaultSeverity.Valid() {
		return fmt.Errorf("unknown severity %q", c.DefaultSeverity)
	}
	if c.FallbackSeverity != "" && !c.FallbackSeverity.Valid() {
		return fmt.Errorf("unknown fallback severity %q", c.FallbackSeverity)
	}
	if c.Enabled && c.SharedSecret == "" {
		return fmt.Errorf("shared_secret is required when enabled")
	}
	for i, r := range c.Rules {
		if !r.Severity.Valid() {
			return fmt.Errorf("rule %d: unknown severity %q", i, r.Severity)
		}
	}
	return nil
}

// DefaultConfigJSON returns the default blob for a plugin.
func DefaultConfigJSON(name string) string {
	switch name {
	case NameProxyTrap:
		return `{"enabled":false,"port":8888,"default_severity":"medio","response_type":"404"}`
	case NamePortDetector:
		return `{"enabled":false,"default_severity":"medio","rules":[]}`
	case NameNPM:
		return `{"enabled":false,"default_severity":"medio","shared_secret":"","rules":[],"ignore_list":[],"alert_fallback":false,"alert_unregistered_domain":false,"alert_suspicious_path":false}`
	default:
		return "{}"
	}
}

// Names lists the known plugins in display order.
func Names() []string {
	return []string{NameProxyTrap, NamePortDetector, NameNPM}
}
