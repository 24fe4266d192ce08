package store

import (
	"database/sql"
	"fmt"
)

// AddFirewall inserts a firewall config row.
func (s *Store) AddFirewall(f *Firewall) (*Firewall, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	res, err := s.db.Exec(`
		INSERT INTO firewalls (name, type, base_url, api_key, api_secret, verify_ssl, timeout_seconds, enabled, apply_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.Name, string(f.Type), f.BaseURL, f.APIKey, f.APISecret,
		boolInt(f.VerifySSL), f.TimeoutSeconds, boolInt(f.Enabled), boolInt(f.ApplyChanges))
	if err != nil {
		return nil, fmt.Errorf("insert firewall: %w", err)
	}
	id, _ := res.LastInsertId()
	f.ID = id
	return f, nil
}

// UpdateFirewall replaces a firewall row by id. An empty APISecret keeps
// the stored secret so updates never need to round-trip credentials.
func (s *Store) UpdateFirewall(f *Firewall) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	query := `
		UPDATE firewalls SET name = ?, type = ?, base_url = ?, api_key = ?,
			verify_ssl = ?, timeout_seconds = ?, enabled = ?, apply_changes = ?`
	args := []any{f.Name, string(f.Type), f.BaseURL, f.APIKey,
		boolInt(f.VerifySSL), f.TimeoutSeconds, boolInt(f.Enabled), boolInt(f.ApplyChanges)}
	if f.APISecret != "" {
		query += ", api_secret = ?"
		args = append(args, f.APISecret)
	}
	query += " WHERE id = ?"
	args = append(args, f.ID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFirewall removes a firewall row by id.
func (s *Store) DeleteFirewall(id int64) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("DELETE FROM firewalls WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFirewall returns one firewall row by id, secret included.
func (s *Store) GetFirewall(id int64) (*Firewall, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	f, err := scanFirewall(s.db.QueryRow(`
		SELECT id, name, type, base_url, api_key, api_secret, verify_ssl, timeout_seconds, enabled, apply_changes
		FROM firewalls WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

// ListFirewalls returns all firewall rows ordered by id.
func (s *Store) ListFirewalls() ([]*Firewall, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, name, type, base_url, api_key, api_secret, verify_ssl, timeout_seconds, enabled, apply_changes
		FROM firewalls ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Firewall
	for rows.Next() {
		f, err := scanFirewall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// CountFirewalls reports how many firewall rows exist. Used to decide
// whether the INITIAL_FIREWALL_* bootstrap should run.
func (s *Store) CountFirewalls() (int64, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM firewalls").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFirewall(row rowScanner) (*Firewall, error) {
	f := &Firewall{}
	var typ string
	var verifySSL, enabled, applyChanges int
	if err := row.Scan(&f.ID, &f.Name, &typ, &f.BaseURL, &f.APIKey, &f.APISecret,
		&verifySSL, &f.TimeoutSeconds, &enabled, &applyChanges); err != nil {
		return nil, err
	}
	f.Type = FirewallType(typ)
	f.VerifySSL = verifySSL == 1
	f.Enabled = enabled == 1
	f.ApplyChanges = applyChanges == 1
	return f, nil
}
