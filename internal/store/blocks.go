package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertBlockWithHistory writes a new block row and its "add" history entry
// in one transaction.
func (s *Store) InsertBlockWithHistory(b *Block) (*Block, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock.Now()
	}

	res, err := tx.Exec(`
		INSERT INTO blocks (ip, reason, reason_text, reason_plugin, source, created_at, expires_at, active, sync_with_firewall)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, b.IP, b.Reason, b.ReasonText, b.ReasonPlugin, b.Source, b.CreatedAt, nullTime(b.ExpiresAt), boolInt(b.SyncWithFirewall))
	if err != nil {
		return nil, fmt.Errorf("insert block: %w", err)
	}
	id, _ := res.LastInsertId()
	b.ID = id
	b.Active = true

	if err := appendHistoryTx(tx, &HistoryEntry{
		IP: b.IP, Reason: b.Reason, Action: HistoryAdd, At: b.CreatedAt, Source: b.Source,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBlockWithHistory updates an existing block row (extend) and appends
// the matching history entry in one transaction.
func (s *Store) UpdateBlockWithHistory(b *Block, action HistoryAction, source string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE blocks SET reason = ?, reason_text = ?, reason_plugin = ?, expires_at = ?, active = ?, sync_with_firewall = ?
		WHERE id = ?
	`, b.Reason, b.ReasonText, b.ReasonPlugin, nullTime(b.ExpiresAt), boolInt(b.Active), boolInt(b.SyncWithFirewall), b.ID)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}

	if err := appendHistoryTx(tx, &HistoryEntry{
		IP: b.IP, Reason: b.Reason, Action: action, At: s.clock.Now(), Source: source,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// CloseBlockWithHistory marks a block inactive with the given history action
// (remove or expire), setting expires_at to the close time.
func (s *Store) CloseBlockWithHistory(b *Block, action HistoryAction, source string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.clock.Now()
	_, err = tx.Exec(
		"UPDATE blocks SET active = 0, expires_at = ? WHERE id = ?",
		now, b.ID,
	)
	if err != nil {
		return fmt.Errorf("close block: %w", err)
	}

	if err := appendHistoryTx(tx, &HistoryEntry{
		IP: b.IP, Reason: b.Reason, Action: action, At: now, Source: source,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ActiveBlocks returns every block row with active=1. The block manager uses
// this to rebuild its in-memory set at startup and on self-heal.
func (s *Store) ActiveBlocks() ([]*Block, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, ip, reason, reason_text, reason_plugin, source, created_at, expires_at, active, sync_with_firewall
		FROM blocks WHERE active = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// ListBlocks returns blocks sorted by created_at descending.
func (s *Store) ListBlocks(includeExpired bool, limit int) ([]*Block, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, ip, reason, reason_text, reason_plugin, source, created_at, expires_at, active, sync_with_firewall
		FROM blocks`
	if !includeExpired {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

func scanBlocks(rows *sql.Rows) ([]*Block, error) {
	var result []*Block
	for rows.Next() {
		b := &Block{}
		var reasonText, reasonPlugin sql.NullString
		var expiresAt sql.NullTime
		var active, syncFW int
		if err := rows.Scan(&b.ID, &b.IP, &b.Reason, &reasonText, &reasonPlugin,
			&b.Source, &b.CreatedAt, &expiresAt, &active, &syncFW); err != nil {
			return nil, err
		}
		b.ReasonText = reasonText.String
		b.ReasonPlugin = reasonPlugin.String
		b.CreatedAt = b.CreatedAt.UTC()
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			b.ExpiresAt = &t
		}
		b.Active = active == 1
		b.SyncWithFirewall = syncFW == 1
		result = append(result, b)
	}
	return result, rows.Err()
}

// AppendHistory writes a standalone history entry.
func (s *Store) AppendHistory(h *HistoryEntry) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	if h.At.IsZero() {
		h.At = s.clock.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO block_history (ip, reason, action, at, source)
		VALUES (?, ?, ?, ?, ?)
	`, h.IP, h.Reason, string(h.Action), h.At, h.Source)
	return err
}

func appendHistoryTx(tx *sql.Tx, h *HistoryEntry) error {
	_, err := tx.Exec(`
		INSERT INTO block_history (ip, reason, action, at, source)
		VALUES (?, ?, ?, ?, ?)
	`, h.IP, h.Reason, string(h.Action), h.At, h.Source)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns block history, newest first, optionally for one IP.
func (s *Store) ListHistory(ip string, limit int) ([]*HistoryEntry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, ip, reason, action, at, source FROM block_history"
	var args []any
	if ip != "" {
		query += " WHERE ip = ?"
		args = append(args, ip)
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*HistoryEntry
	for rows.Next() {
		h := &HistoryEntry{}
		var action string
		var source sql.NullString
		if err := rows.Scan(&h.ID, &h.IP, &h.Reason, &action, &h.At, &source); err != nil {
			return nil, err
		}
		h.Action = HistoryAction(action)
		h.Source = source.String
		h.At = h.At.UTC()
		result = append(result, h)
	}
	return result, rows.Err()
}

// ExpiringBlocks returns active temporal blocks expiring before the horizon,
// soonest first.
func (s *Store) ExpiringBlocks(horizon time.Time, limit int) ([]*Block, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, ip, reason, reason_text, reason_plugin, source, created_at, expires_at, active, sync_with_firewall
		FROM blocks
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, horizon, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBlocks(rows)
}

// BlockReasonCounts aggregates active blocks by reason.
func (s *Store) BlockReasonCounts(limit int) ([]struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT reason, COUNT(*) FROM blocks WHERE active = 1
		GROUP BY reason ORDER BY COUNT(*) DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []struct {
		Reason string `json:"reason"`
		Count  int64  `json:"count"`
	}
	for rows.Next() {
		var row struct {
			Reason string `json:"reason"`
			Count  int64  `json:"count"`
		}
		if err := rows.Scan(&row.Reason, &row.Count); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ReactionStats summarizes the delay between the triggering offense and
// the block that followed it.
type ReactionStats struct {
	Samples    int64   `json:"samples"`
	AvgSeconds float64 `json:"avg_seconds"`
	MinSeconds float64 `json:"min_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
}

// ReactionTimes measures, for every "add" history entry, the gap to the
// most recent offense from the same IP. Aggregation happens in Go to keep
// the SQL dialect-neutral.
func (s *Store) ReactionTimes() (*ReactionStats, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT h.at,
		       (SELECT MAX(o.created_at) FROM offenses o
		        WHERE o.source_ip = h.ip AND o.created_at <= h.at)
		FROM block_history h
		WHERE h.action = 'add'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &ReactionStats{}
	var sum float64
	for rows.Next() {
		var blockedAt time.Time
		var offenseAt sql.NullTime
		if err := rows.Scan(&blockedAt, &offenseAt); err != nil {
			return nil, err
		}
		if !offenseAt.Valid {
			continue
		}
		delta := blockedAt.Sub(offenseAt.Time).Seconds()
		if delta < 0 {
			continue
		}
		if stats.Samples == 0 || delta < stats.MinSeconds {
			stats.MinSeconds = delta
		}
		if delta > stats.MaxSeconds {
			stats.MaxSeconds = delta
		}
		stats.Samples++
		sum += delta
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Samples > 0 {
		stats.AvgSeconds = sum / float64(stats.Samples)
	}
	return stats, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
