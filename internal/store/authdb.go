package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UserRow is a stored admin user. Hash is the bcrypt hash, never the
// plaintext password.
type UserRow struct {
	Username  string
	Hash      string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRow is an opaque-token login session.
type SessionRow struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// GetUser returns a user row by username.
func (s *Store) GetUser(username string) (*UserRow, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	u := &UserRow{}
	err := s.db.QueryRow(
		"SELECT username, hash, role, created_at, updated_at FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &u.Hash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// PutUser upserts a user row.
func (s *Store) PutUser(u *UserRow) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO users (username, hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			hash = excluded.hash,
			role = excluded.role,
			updated_at = excluded.updated_at
	`, u.Username, u.Hash, u.Role, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// CountUsers reports how many users exist. Zero triggers the first-run
// admin bootstrap.
func (s *Store) CountUsers() (int64, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

// PutSession inserts a session row.
func (s *Store) PutSession(sess *SessionRow) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(
		"INSERT INTO sessions (token, username, created_at, expires_at) VALUES (?, ?, ?, ?)",
		sess.Token, sess.Username, sess.CreatedAt, sess.ExpiresAt,
	)
	return err
}

// GetSession returns a session row by token. Expiry is the caller's call;
// the store just returns what it has.
func (s *Store) GetSession(token string) (*SessionRow, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	sess := &SessionRow{}
	err := s.db.QueryRow(
		"SELECT token, username, created_at, expires_at FROM sessions WHERE token = ?",
		token,
	).Scan(&sess.Token, &sess.Username, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	return sess, nil
}

// DeleteSession removes a session row (logout).
func (s *Store) DeleteSession(token string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	_, err := s.db.Exec("DELETE FROM sessions WHERE token = ?", token)
	return err
}

// PurgeExpiredSessions removes sessions past their expiry.
func (s *Store) PurgeExpiredSessions() (int64, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", s.clock.Now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
