// Package config loads the Mimosa server configuration from HCL.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the top-level server configuration.
type Config struct {
	Listen   string `hcl:"listen,optional"`
	Database string `hcl:"database,optional"`
	LogLevel string `hcl:"log_level,optional"`

	GeoIP      *GeoIPConfig      `hcl:"geoip,block"`
	Enrichment *EnrichmentConfig `hcl:"enrichment,block"`
	Sync       *SyncConfig       `hcl:"sync,block"`
	API        *APIConfig        `hcl:"api,block"`
	Location   *LocationConfig   `hcl:"location,block"`
}

// LocationConfig is the defended site's position, shown on the public
// dashboard map.
type LocationConfig struct {
	Label     string  `hcl:"label,optional"`
	Latitude  float64 `hcl:"latitude,optional"`
	Longitude float64 `hcl:"longitude,optional"`
}

// GeoIPConfig points at the MaxMind database used for country lookups.
type GeoIPConfig struct {
	Database string `hcl:"database,optional"`
}

// EnrichmentConfig controls IP profile enrichment.
type EnrichmentConfig struct {
	APIURL    string `hcl:"api_url,optional"`
	Timeout   string `hcl:"timeout,optional"`
	TTL       string `hcl:"ttl,optional"`
	Resolver  string `hcl:"resolver,optional"`
	UserAgent string `hcl:"user_agent,optional"`
}

// SyncConfig controls the firewall synchronizer.
type SyncConfig struct {
	Interval string `hcl:"interval,optional"`
}

// APIConfig controls the admin API surface.
type APIConfig struct {
	RequireAuth  bool     `hcl:"require_auth,optional"`
	SessionHours int      `hcl:"session_hours,optional"`
	BootstrapKey string   `hcl:"bootstrap_key,optional"`
	Keys         []APIKey `hcl:"key,block"`
}

// APIKey is a static API key for automation clients.
type APIKey struct {
	Name    string `hcl:"name,label"`
	Key     string `hcl:"key"`
	Enabled bool   `hcl:"enabled,optional"`
}

// Default paths and intervals.
const (
	DefaultListen       = ":8443"
	DefaultDatabase     = "/var/lib/mimosa/mimosa.db"
	DefaultGeoIPPath    = "/var/lib/mimosa/geoip/GeoLite2-Country.mmdb"
	DefaultSyncInterval = 5 * time.Minute
	DefaultEnrichTTL    = 24 * time.Hour
)

// Load reads and decodes an HCL configuration file. A missing file yields
// the defaults rather than an error so first boot works without any config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GeoIP == nil {
		c.GeoIP = &GeoIPConfig{}
	}
	if c.GeoIP.Database == "" {
		c.GeoIP.Database = DefaultGeoIPPath
	}
	if c.Enrichment == nil {
		c.Enrichment = &EnrichmentConfig{}
	}
	if c.Sync == nil {
		c.Sync = &SyncConfig{}
	}
	if c.API == nil {
		c.API = &APIConfig{RequireAuth: true}
	}
	if c.API.SessionHours <= 0 {
		c.API.SessionHours = 24
	}
}

// SyncInterval returns the parsed synchronizer interval.
func (c *Config) SyncInterval() time.Duration {
	if c.Sync != nil && c.Sync.Interval != "" {
		if d, err := time.ParseDuration(c.Sync.Interval); err == nil && d > 0 {
			return d
		}
	}
	return DefaultSyncInterval
}

// EnrichTTL returns the parsed profile freshness TTL.
func (c *Config) EnrichTTL() time.Duration {
	if c.Enrichment != nil && c.Enrichment.TTL != "" {
		if d, err := time.ParseDuration(c.Enrichment.TTL); err == nil && d > 0 {
			return d
		}
	}
	return DefaultEnrichTTL
}

// EnrichTimeout returns the parsed enrichment API timeout.
func (c *Config) EnrichTimeout() time.Duration {
	if c.Enrichment != nil && c.Enrichment.Timeout != "" {
		if d, err := time.ParseDuration(c.Enrichment.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Second
}

// InitialFirewall describes a firewall seeded from the environment on first
// boot when the firewalls table is empty.
type InitialFirewall struct {
	Name      string
	Type      string
	BaseURL   string
	APIKey    string
	APISecret string
	VerifySSL bool
}

// InitialFirewallFromEnv reads INITIAL_FIREWALL_* variables. Returns nil when
// the minimum set (type + base URL + credentials) is absent.
func InitialFirewallFromEnv() *InitialFirewall {
	fwType := os.Getenv("INITIAL_FIREWALL_TYPE")
	baseURL := os.Getenv("INITIAL_FIREWALL_BASE_URL")
	apiKey := os.Getenv("INITIAL_FIREWALL_API_KEY")
	apiSecret := os.Getenv("INITIAL_FIREWALL_API_SECRET")
	if fwType == "" || baseURL == "" || apiKey == "" || apiSecret == "" {
		return nil
	}

	name := os.Getenv("INITIAL_FIREWALL_NAME")
	if name == "" {
		name = fwType
	}

	verify := true
	if v := os.Getenv("INITIAL_FIREWALL_VERIFY_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			verify = b
		}
	}

	return &InitialFirewall{
		Name:      name,
		Type:      fwType,
		BaseURL:   baseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		VerifySSL: verify,
	}
}
