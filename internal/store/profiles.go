package store

import (
	"database/sql"
	"fmt"
)

// TouchProfile creates the profile on first sight and bumps last_seen plus
// offenses_total in a single statement, avoiding lost updates under
// concurrent ingestion.
func (s *Store) TouchProfile(ip string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	_, err := s.db.Exec(`
		INSERT INTO ip_profiles (ip, first_seen, last_seen, offenses_total)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(ip) DO UPDATE SET
			last_seen = excluded.last_seen,
			offenses_total = offenses_total + 1
	`, ip, now, now)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// EnsureProfile creates a profile row with zeroed counters if none exists.
// Used by the enricher when asked about an IP before any offense landed.
func (s *Store) EnsureProfile(ip string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	_, err := s.db.Exec(`
		INSERT INTO ip_profiles (ip, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(ip) DO NOTHING
	`, ip, now, now)
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

// BumpProfileBlocks increments blocks_total for the IP, creating the profile
// if a block arrives for an IP never seen in an offense (manual blocks).
func (s *Store) BumpProfileBlocks(ip string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	_, err := s.db.Exec(`
		INSERT INTO ip_profiles (ip, first_seen, last_seen, blocks_total)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(ip) DO UPDATE SET
			last_seen = excluded.last_seen,
			blocks_total = blocks_total + 1
	`, ip, now, now)
	if err != nil {
		return fmt.Errorf("bump profile blocks: %w", err)
	}
	return nil
}

// GetProfile returns the profile for an IP, or ErrNotFound.
func (s *Store) GetProfile(ip string) (*IPProfile, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	p := &IPProfile{}
	var geoJSON, country, reverseDNS sql.NullString
	var enrichedAt sql.NullTime
	var isProxy, isMobile, isHosting int
	var classification string

	err := s.db.QueryRow(`
		SELECT ip, geo_json, country, reverse_dns, classification, is_proxy, is_mobile, is_hosting,
		       first_seen, last_seen, enriched_at, offenses_total, blocks_total
		FROM ip_profiles WHERE ip = ?
	`, ip).Scan(&p.IP, &geoJSON, &country, &reverseDNS, &classification,
		&isProxy, &isMobile, &isHosting, &p.FirstSeen, &p.LastSeen, &enrichedAt,
		&p.OffensesTotal, &p.BlocksTotal)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.GeoJSON = geoJSON.String
	p.Country = country.String
	p.ReverseDNS = reverseDNS.String
	p.Classification = Classification(classification)
	p.IsProxy = isProxy == 1
	p.IsMobile = isMobile == 1
	p.IsHosting = isHosting == 1
	p.FirstSeen = p.FirstSeen.UTC()
	p.LastSeen = p.LastSeen.UTC()
	if enrichedAt.Valid {
		t := enrichedAt.Time.UTC()
		p.EnrichedAt = &t
	}
	return p, nil
}

// UpdateProfileEnrichment stores the enrichment result and stamps
// enriched_at. Counters are untouched here; they belong to Touch/Bump.
func (s *Store) UpdateProfileEnrichment(p *IPProfile) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	_, err := s.db.Exec(`
		UPDATE ip_profiles SET
			geo_json = ?, country = ?, reverse_dns = ?, classification = ?,
			is_proxy = ?, is_mobile = ?, is_hosting = ?, enriched_at = ?
		WHERE ip = ?
	`, p.GeoJSON, p.Country, p.ReverseDNS, string(p.Classification),
		boolInt(p.IsProxy), boolInt(p.IsMobile), boolInt(p.IsHosting), now, p.IP)
	if err != nil {
		return fmt.Errorf("update profile enrichment: %w", err)
	}
	p.EnrichedAt = &now
	return nil
}

// ListProfiles returns profiles ordered by last_seen descending.
func (s *Store) ListProfiles(limit int) ([]*IPProfile, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT ip FROM ip_profiles ORDER BY last_seen DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*IPProfile, 0, len(ips))
	for _, ip := range ips {
		p, err := s.GetProfile(ip)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// TopOffenderProfiles returns profiles ordered by offenses_total.
func (s *Store) TopOffenderProfiles(limit int) ([]*IPProfile, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`
		SELECT ip FROM ip_profiles ORDER BY offenses_total DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*IPProfile, 0, len(ips))
	for _, ip := range ips {
		p, err := s.GetProfile(ip)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ClassificationCounts aggregates profiles by classification.
func (s *Store) ClassificationCounts() (map[string]int64, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT classification, COUNT(*) FROM ip_profiles GROUP BY classification
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var class string
		var count int64
		if err := rows.Scan(&class, &count); err != nil {
			return nil, err
		}
		result[class] = count
	}
	return result, rows.Err()
}
