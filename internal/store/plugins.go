package store

import (
	"database/sql"
	"fmt"
)

// GetPluginConfig returns the stored JSON config blob for a plugin, or
// ErrNotFound if the plugin has never been configured.
func (s *Store) GetPluginConfig(name string) (string, error) {
	if s.isClosed() {
		return "", ErrStoreClosed
	}

	var config string
	err := s.db.QueryRow(
		"SELECT config FROM plugin_configs WHERE name = ?", name,
	).Scan(&config)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return config, nil
}

// SetPluginConfig upserts the JSON config blob for a plugin.
func (s *Store) SetPluginConfig(name, config string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO plugin_configs (name, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, name, config, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set plugin config: %w", err)
	}
	return nil
}

// ListPluginConfigs returns all stored plugin config blobs keyed by name.
func (s *Store) ListPluginConfigs() (map[string]string, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT name, config FROM plugin_configs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var name, config string
		if err := rows.Scan(&name, &config); err != nil {
			return nil, err
		}
		result[name] = config
	}
	return result, rows.Err()
}
