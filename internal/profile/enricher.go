// Package profile enriches source IPs with reverse DNS, geolocation and an
// operator classification fetched from an external API. Enrichment is
// best-effort: whatever fails is left empty and the profile still serves.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
)

// Enricher fills IP profiles. Geo and resolver are optional; a nil
// GeoIPManager or empty API URL simply skips that stage.
type Enricher struct {
	store    *store.Store
	geo      *GeoIPManager
	resolver *Resolver
	client   *http.Client
	apiURL   string
	ttl      time.Duration
	clock    clock.Clock
	log      *logging.Logger
}

// Options configures an Enricher.
type Options struct {
	Store    *store.Store
	Geo      *GeoIPManager // nil disables geolocation
	Resolver *Resolver     // nil disables reverse DNS
	APIURL   string        // empty disables classification
	Timeout  time.Duration
	TTL      time.Duration
	Clock    clock.Clock
}

// New builds an Enricher.
func New(opts Options) *Enricher {
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Enricher{
		store:    opts.Store,
		geo:      opts.Geo,
		resolver: opts.Resolver,
		client:   &http.Client{Timeout: timeout},
		apiURL:   opts.APIURL,
		ttl:      ttl,
		clock:    clk,
		log:      logging.WithComponent("profile"),
	}
}

// Enrich returns the profile for an IP, refreshing it first if it is stale
// or has never been enriched. The profile is created if missing.
func (e *Enricher) Enrich(ctx context.Context, ip string) (*store.IPProfile, error) {
	if err := e.store.EnsureProfile(ip); err != nil {
		return nil, err
	}

	p, err := e.store.GetProfile(ip)
	if err != nil {
		return nil, err
	}

	if e.fresh(p) {
		return p, nil
	}
	return e.Refresh(ctx, ip)
}

// Refresh forces re-enrichment regardless of freshness.
func (e *Enricher) Refresh(ctx context.Context, ip string) (*store.IPProfile, error) {
	if err := e.store.EnsureProfile(ip); err != nil {
		return nil, err
	}
	p, err := e.store.GetProfile(ip)
	if err != nil {
		return nil, err
	}

	e.lookupReverseDNS(ctx, ip, p)
	e.lookupGeo(ip, p)
	e.lookupClassification(ctx, ip, p)

	if p.Classification == "" {
		p.Classification = store.ClassUnknown
	}

	if err := e.store.UpdateProfileEnrichment(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Enricher) fresh(p *store.IPProfile) bool {
	return p.EnrichedAt != nil && e.clock.Since(*p.EnrichedAt) < e.ttl
}

func (e *Enricher) lookupReverseDNS(ctx context.Context, ip string, p *store.IPProfile) {
	if e.resolver == nil {
		return
	}

	name, err := e.resolver.LookupAddr(ctx, ip)
	if err != nil {
		// Timeouts and missing PTR zones are normal for hostile IPs.
		// Anything else deserves a warning.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
			e.log.Debug("reverse DNS timed out", "ip", ip)
		} else {
			e.log.Warn("reverse DNS failed", "ip", ip, "error", err)
		}
		return
	}
	if name != "" {
		p.ReverseDNS = name
	}
}

func (e *Enricher) lookupGeo(ip string, p *store.IPProfile) {
	if e.geo == nil {
		return
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return
	}
	result, err := e.geo.Lookup(parsed)
	if err != nil {
		e.log.Warn("geo lookup failed", "ip", ip, "error", err)
		return
	}
	p.Country = result.CountryCode
	if blob, err := json.Marshal(result); err == nil {
		p.GeoJSON = string(blob)
	}
}

// classificationResponse is the external API's answer shape.
type classificationResponse struct {
	Classification string  `json:"classification"`
	IsProxy        bool    `json:"is_proxy"`
	IsMobile       bool    `json:"is_mobile"`
	IsHosting      bool    `json:"is_hosting"`
	Provider       string  `json:"provider"`
	Confidence     float64 `json:"confidence"`
}

func (e *Enricher) lookupClassification(ctx context.Context, ip string, p *store.IPProfile) {
	if e.apiURL == "" {
		return
	}

	reqURL := fmt.Sprintf("%s?ip=%s", e.apiURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("classification lookup failed", "ip", ip, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.log.Warn("classification API error", "ip", ip, "status", resp.StatusCode)
		return
	}

	var cr classificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		e.log.Warn("classification decode failed", "ip", ip, "error", err)
		return
	}

	if c := store.Classification(cr.Classification); validClassification(c) {
		p.Classification = c
	}
	p.IsProxy = cr.IsProxy
	p.IsMobile = cr.IsMobile
	p.IsHosting = cr.IsHosting

	// Provider and confidence ride along in the geo blob.
	if cr.Provider != "" || cr.Confidence > 0 {
		meta := map[string]any{"provider": cr.Provider, "confidence": cr.Confidence}
		if p.GeoJSON != "" {
			var existing map[string]any
			if json.Unmarshal([]byte(p.GeoJSON), &existing) == nil {
				for k, v := range meta {
					existing[k] = v
				}
				meta = existing
			}
		}
		if blob, err := json.Marshal(meta); err == nil {
			p.GeoJSON = string(blob)
		}
	}
}

func validClassification(c store.Classification) bool {
	switch c {
	case store.ClassDatacenter, store.ClassResidential, store.ClassGovernmental,
		store.ClassEducational, store.ClassCorporate, store.ClassMobile,
		store.ClassProxy, store.ClassUnknown:
		return true
	}
	return false
}
