package store

import (
	"database/sql"
	"fmt"
)

// AddRule inserts an escalation rule.
func (s *Store) AddRule(r *Rule) (*Rule, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	res, err := s.db.Exec(`
		INSERT INTO rules (plugin, event_id, severity, description, min_last_hour, min_total, min_blocks_total, block_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, orStar(r.Plugin), orStar(r.EventID), orStar(r.Severity), orStar(r.Description),
		r.MinLastHour, r.MinTotal, r.MinBlocksTotal, nullInt(r.BlockMinutes))
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	id, _ := res.LastInsertId()
	r.ID = id
	return r, nil
}

// UpdateRule replaces a rule's fields by id.
func (s *Store) UpdateRule(r *Rule) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE rules SET plugin = ?, event_id = ?, severity = ?, description = ?,
			min_last_hour = ?, min_total = ?, min_blocks_total = ?, block_minutes = ?
		WHERE id = ?
	`, orStar(r.Plugin), orStar(r.EventID), orStar(r.Severity), orStar(r.Description),
		r.MinLastHour, r.MinTotal, r.MinBlocksTotal, nullInt(r.BlockMinutes), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(id int64) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule returns one rule by id.
func (s *Store) GetRule(id int64) (*Rule, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	r := &Rule{}
	var blockMinutes sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, plugin, event_id, severity, description, min_last_hour, min_total, min_blocks_total, block_minutes
		FROM rules WHERE id = ?
	`, id).Scan(&r.ID, &r.Plugin, &r.EventID, &r.Severity, &r.Description,
		&r.MinLastHour, &r.MinTotal, &r.MinBlocksTotal, &blockMinutes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if blockMinutes.Valid {
		v := int(blockMinutes.Int64)
		r.BlockMinutes = &v
	}
	return r, nil
}

// ListRules returns all rules ordered by id ascending. The rule engine
// depends on this ordering: the first matching rule wins.
func (s *Store) ListRules() ([]*Rule, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, plugin, event_id, severity, description, min_last_hour, min_total, min_blocks_total, block_minutes
		FROM rules ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Rule
	for rows.Next() {
		r := &Rule{}
		var blockMinutes sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Plugin, &r.EventID, &r.Severity, &r.Description,
			&r.MinLastHour, &r.MinTotal, &r.MinBlocksTotal, &blockMinutes); err != nil {
			return nil, err
		}
		if blockMinutes.Valid {
			v := int(blockMinutes.Int64)
			r.BlockMinutes = &v
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
