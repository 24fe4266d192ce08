package profile

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPManager handles country lookups from a MaxMind database. All
// lookups are local; no network I/O.
type GeoIPManager struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
}

// NewGeoIPManager opens the MaxMind database at dbPath.
func NewGeoIPManager(dbPath string) (*GeoIPManager, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("GeoIP database not found at %s", dbPath)
	}

	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}

	return &GeoIPManager{reader: reader, path: dbPath}, nil
}

// GeoResult is the subset of the MaxMind record Mimosa keeps.
type GeoResult struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	Continent   string `json:"continent"`
}

// Lookup returns the geo record for an IP. Lookup misses return an empty
// result, not an error.
func (g *GeoIPManager) Lookup(ip net.IP) (*GeoResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.reader == nil {
		return nil, fmt.Errorf("GeoIP database not loaded")
	}

	record, err := g.reader.Country(ip)
	if err != nil {
		return nil, fmt.Errorf("lookup failed for %s: %w", ip, err)
	}

	return &GeoResult{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		Continent:   record.Continent.Code,
	}, nil
}

// Reload reopens the database after an update.
func (g *GeoIPManager) Reload() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reader != nil {
		g.reader.Close()
	}

	reader, err := geoip2.Open(g.path)
	if err != nil {
		g.reader = nil
		return fmt.Errorf("failed to reload GeoIP database: %w", err)
	}
	g.reader = reader
	return nil
}

// Close releases the database resources.
func (g *GeoIPManager) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reader != nil {
		err := g.reader.Close()
		g.reader = nil
		return err
	}
	return nil
}
