package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// AddWhitelistEntry inserts a normalized whitelist entry. Duplicates return
// ErrDuplicate.
func (s *Store) AddWhitelistEntry(e *WhitelistEntry) (*WhitelistEntry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	res, err := s.db.Exec(
		"INSERT INTO whitelist (cidr, note, created_at) VALUES (?, ?, ?)",
		e.CIDR, e.Note, e.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert whitelist entry: %w", err)
	}
	id, _ := res.LastInsertId()
	e.ID = id
	return e, nil
}

// DeleteWhitelistEntry removes an entry by id.
func (s *Store) DeleteWhitelistEntry(id int64) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("DELETE FROM whitelist WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWhitelist returns all whitelist entries.
func (s *Store) ListWhitelist() ([]*WhitelistEntry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(
		"SELECT id, cidr, note, created_at FROM whitelist ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WhitelistEntry
	for rows.Next() {
		e := &WhitelistEntry{}
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.CIDR, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Note = note.String
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}
