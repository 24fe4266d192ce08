// Package store is the persistence layer for Mimosa.
//
// A single SQLite database (WAL mode) holds every durable table: offenses,
// blocks, block history, IP profiles, whitelist, escalation rules, firewall
// configs, plugin configs, users and sessions. The schema is created
// idempotently at open time; queries stick to a dialect-neutral subset so
// the backend can be swapped for an external relational store.
//
// SQLite driver: modernc.org/sqlite (pure Go, no CGO).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/mimosa/internal/clock"

	_ "modernc.org/sqlite"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("already exists")
	ErrStoreClosed = errors.New("store is closed")
)

// Store wraps the database handle. Safe for concurrent use; writes are
// serialized by SQLite itself, long scans are read-only.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
}

// Options configures the store.
type Options struct {
	Path  string      // Database file path (":memory:" for tests)
	Clock clock.Clock // Optional time source (defaults to RealClock)
}

// Open opens or creates the Mimosa database and ensures the schema.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// In-memory databases must stay on one connection or each query sees a
	// fresh empty schema.
	if opts.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	s := &Store{db: db, clock: clk}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// ensureSchema creates all tables and indexes. Idempotent.
func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_ip TEXT NOT NULL,
		description TEXT NOT NULL,
		description_clean TEXT NOT NULL,
		plugin TEXT,
		severity TEXT,
		host TEXT,
		path TEXT,
		context TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_offenses_ip_time ON offenses(source_ip, created_at);
	CREATE INDEX IF NOT EXISTS idx_offenses_severity ON offenses(severity);

	CREATE TABLE IF NOT EXISTS blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		reason TEXT NOT NULL,
		reason_text TEXT,
		reason_plugin TEXT,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		sync_with_firewall INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_ip ON blocks(ip);
	CREATE INDEX IF NOT EXISTS idx_blocks_active_expires ON blocks(active, expires_at);

	CREATE TABLE IF NOT EXISTS block_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		reason TEXT NOT NULL,
		action TEXT NOT NULL,
		at DATETIME NOT NULL,
		source TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_ip ON block_history(ip);
	CREATE INDEX IF NOT EXISTS idx_history_at ON block_history(at);

	CREATE TABLE IF NOT EXISTS ip_profiles (
		ip TEXT PRIMARY KEY,
		geo_json TEXT,
		country TEXT,
		reverse_dns TEXT,
		classification TEXT NOT NULL DEFAULT 'unknown',
		is_proxy INTEGER NOT NULL DEFAULT 0,
		is_mobile INTEGER NOT NULL DEFAULT 0,
		is_hosting INTEGER NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		enriched_at DATETIME,
		offenses_total INTEGER NOT NULL DEFAULT 0,
		blocks_total INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_ip ON ip_profiles(ip);

	CREATE TABLE IF NOT EXISTS whitelist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cidr TEXT NOT NULL UNIQUE,
		note TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin TEXT NOT NULL DEFAULT '*',
		event_id TEXT NOT NULL DEFAULT '*',
		severity TEXT NOT NULL DEFAULT '*',
		description TEXT NOT NULL DEFAULT '*',
		min_last_hour INTEGER NOT NULL DEFAULT 0,
		min_total INTEGER NOT NULL DEFAULT 0,
		min_blocks_total INTEGER NOT NULL DEFAULT 0,
		block_minutes INTEGER
	);

	CREATE TABLE IF NOT EXISTS firewalls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		api_secret TEXT NOT NULL,
		verify_ssl INTEGER NOT NULL DEFAULT 1,
		timeout_seconds INTEGER NOT NULL DEFAULT 5,
		enabled INTEGER NOT NULL DEFAULT 1,
		apply_changes INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS plugin_configs (
		name TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the raw handle for aggregate queries that live in other
// packages (offense stats). Read-only use.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
