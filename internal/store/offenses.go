package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertOffense persists an offense and returns it with its assigned id.
// Offense rows are immutable after insert.
func (s *Store) InsertOffense(o *Offense) (*Offense, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var contextJSON []byte
	if o.Context != nil {
		var err error
		contextJSON, err = json.Marshal(o.Context)
		if err != nil {
			contextJSON = []byte("{}")
		}
	}

	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO offenses (source_ip, description, description_clean, plugin, severity, host, path, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.SourceIP, o.Description, o.DescriptionClean, o.Plugin, string(o.Severity), o.Host, o.Path, string(contextJSON), o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert offense: %w", err)
	}

	id, _ := res.LastInsertId()
	o.ID = id
	return o, nil
}

// ListOffenses returns offenses matching the filter, newest first.
func (s *Store) ListOffenses(f OffenseFilter, limit int) ([]*Offense, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, source_ip, description, description_clean, plugin, severity, host, path, context, created_at
		FROM offenses WHERE 1=1`
	var args []any

	if f.IP != "" {
		query += " AND source_ip = ?"
		args = append(args, f.IP)
	}
	if f.Plugin != "" {
		query += " AND plugin = ?"
		args = append(args, f.Plugin)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.Until)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOffenses(rows)
}

func scanOffenses(rows *sql.Rows) ([]*Offense, error) {
	var result []*Offense
	for rows.Next() {
		o := &Offense{}
		var plugin, severity, host, path, context sql.NullString
		if err := rows.Scan(&o.ID, &o.SourceIP, &o.Description, &o.DescriptionClean,
			&plugin, &severity, &host, &path, &context, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Plugin = plugin.String
		o.Severity = Severity(severity.String)
		o.Host = host.String
		o.Path = path.String
		if context.String != "" {
			_ = json.Unmarshal([]byte(context.String), &o.Context)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		result = append(result, o)
	}
	return result, rows.Err()
}

// OffenseCounts returns the counters the rule engine gates on: offenses in
// the last hour and the profile totals.
func (s *Store) OffenseCounts(ip string) (lastHour, total, blocksTotal int64, err error) {
	if s.isClosed() {
		return 0, 0, 0, ErrStoreClosed
	}

	since := s.clock.Now().Add(-time.Hour)
	if err = s.db.QueryRow(
		"SELECT COUNT(*) FROM offenses WHERE source_ip = ? AND created_at >= ?",
		ip, since,
	).Scan(&lastHour); err != nil {
		return 0, 0, 0, err
	}

	err = s.db.QueryRow(
		"SELECT offenses_total, blocks_total FROM ip_profiles WHERE ip = ?", ip,
	).Scan(&total, &blocksTotal)
	if err == sql.ErrNoRows {
		return lastHour, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, err
	}
	return lastHour, total, blocksTotal, nil
}

// Summary is the global counter snapshot shown on the dashboard and
// broadcast with stats events.
type Summary struct {
	OffensesLastHour int64 `json:"offenses_last_hour"`
	OffensesLast24h  int64 `json:"offenses_last_24h"`
	OffensesTotal    int64 `json:"offenses_total"`
	ActiveBlocks     int64 `json:"active_blocks"`
	ProfilesTotal    int64 `json:"profiles_total"`
}

// GlobalCounts aggregates across all IPs.
func (s *Store) GlobalCounts() (*Summary, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	now := s.clock.Now()
	sum := &Summary{}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM offenses WHERE created_at >= ?", now.Add(-time.Hour),
	).Scan(&sum.OffensesLastHour); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM offenses WHERE created_at >= ?", now.Add(-24*time.Hour),
	).Scan(&sum.OffensesLast24h); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM offenses").Scan(&sum.OffensesTotal); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM blocks WHERE active = 1",
	).Scan(&sum.ActiveBlocks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ip_profiles").Scan(&sum.ProfilesTotal); err != nil {
		return nil, err
	}
	return sum, nil
}

// StatsBucket is one time bucket of aggregated offense counts.
type StatsBucket struct {
	Bucket time.Time `json:"bucket"`
	Count  int64     `json:"count"`
}

// OffenseStats returns bucketed counts over the window. Bucket size is a
// minute for 1h, an hour for 24h and a day for 7d.
func (s *Store) OffenseStats(window string) ([]StatsBucket, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	now := s.clock.Now()
	var since time.Time
	var bucket time.Duration
	switch window {
	case "1h":
		since, bucket = now.Add(-time.Hour), time.Minute
	case "24h":
		since, bucket = now.Add(-24*time.Hour), time.Hour
	case "7d":
		since, bucket = now.Add(-7*24*time.Hour), 24*time.Hour
	default:
		return nil, fmt.Errorf("unknown stats window: %s", window)
	}

	rows, err := s.db.Query(
		"SELECT created_at FROM offenses WHERE created_at >= ? ORDER BY created_at",
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Bucketing in Go keeps the SQL dialect-neutral.
	counts := make(map[int64]int64)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		counts[at.UTC().Truncate(bucket).Unix()]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []StatsBucket
	for t := since.Truncate(bucket); !t.After(now); t = t.Add(bucket) {
		result = append(result, StatsBucket{Bucket: t, Count: counts[t.Unix()]})
	}
	return result, nil
}

// HeatmapCell is one hour-of-day x weekday cell of the offense heatmap.
type HeatmapCell struct {
	Weekday int   `json:"weekday"` // 0 = Sunday
	Hour    int   `json:"hour"`
	Count   int64 `json:"count"`
}

// OffenseHeatmap aggregates offenses by weekday and hour over the window.
func (s *Store) OffenseHeatmap(window string) ([]HeatmapCell, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	now := s.clock.Now()
	var since time.Time
	switch window {
	case "24h":
		since = now.Add(-24 * time.Hour)
	case "7d", "":
		since = now.Add(-7 * 24 * time.Hour)
	default:
		return nil, fmt.Errorf("unknown heatmap window: %s", window)
	}

	rows, err := s.db.Query(
		"SELECT created_at FROM offenses WHERE created_at >= ?", since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[[2]int]int64)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		at = at.UTC()
		counts[[2]int{int(at.Weekday()), at.Hour()}]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]HeatmapCell, 0, len(counts))
	for k, v := range counts {
		result = append(result, HeatmapCell{Weekday: k[0], Hour: k[1], Count: v})
	}
	return result, nil
}

// CountryCount is the number of offenses or blocks attributed to a country.
type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// OffensesByCountry aggregates offense counts by the profile country code.
func (s *Store) OffensesByCountry(limit int) ([]CountryCount, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT p.country, COUNT(o.id)
		FROM offenses o
		JOIN ip_profiles p ON p.ip = o.source_ip
		WHERE p.country IS NOT NULL AND p.country != ''
		GROUP BY p.country
		ORDER BY COUNT(o.id) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CountryCount
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// BlocksByCountry aggregates block counts by the profile country code.
func (s *Store) BlocksByCountry(limit int) ([]CountryCount, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT p.country, COUNT(b.id)
		FROM blocks b
		JOIN ip_profiles p ON p.ip = b.ip
		WHERE p.country IS NOT NULL AND p.country != ''
		GROUP BY p.country
		ORDER BY COUNT(b.id) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CountryCount
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// TopOffenseTypes returns the most frequent clean descriptions.
func (s *Store) TopOffenseTypes(limit int) ([]struct {
	Description string `json:"description"`
	Count       int64  `json:"count"`
}, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT description_clean, COUNT(*)
		FROM offenses
		GROUP BY description_clean
		ORDER BY COUNT(*) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []struct {
		Description string `json:"description"`
		Count       int64  `json:"count"`
	}
	for rows.Next() {
		var row struct {
			Description string `json:"description"`
			Count       int64  `json:"count"`
		}
		if err := rows.Scan(&row.Description, &row.Count); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
