package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ConfigStore is a namespaced key-value store. Settings shared by all users
// live under the empty user id.
type ConfigStore interface {
	// Get returns the value stored under key, or "" if there is none.
	Get(userID, key string) (string, error)
	Set(userID, key, value string) error
	Delete(userID, key string) error
}

// secretKeys are encrypted at rest.
var secretKeys = map[string]bool{
	KeyAPIKey: true,
}

// Config returns the ConfigStore backed by this database.
func (s *SQLiteStore) Config() ConfigStore {
	return sqliteConfig{s}
}

type sqliteConfig struct {
	s *SQLiteStore
}

type configRow struct {
	Value     string `db:"value"`
	Encrypted bool   `db:"encrypted"`
}

func (c sqliteConfig) Get(userID, key string) (string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var row configRow
	err := c.s.db.Get(&row, "SELECT value, encrypted FROM config WHERE user_id = ? AND key = ?", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query config %s: %w", key, err)
	}
	if !row.Encrypted {
		return row.Value, nil
	}
	plain, err := OpenSecret(row.Value, c.s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt config %s: %w", key, err)
	}
	return string(plain), nil
}

func (c sqliteConfig) Set(userID, key, value string) error {
	encrypted := secretKeys[key]
	if encrypted {
		enc, err := SealSecret([]byte(value), c.s.encryptionKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt config %s: %w", key, err)
		}
		value = enc
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, err := c.s.db.Exec(`
		INSERT INTO config (user_id, key, value, encrypted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			encrypted = excluded.encrypted,
			updated_at = CURRENT_TIMESTAMP
	`, userID, key, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to save config %s: %w", key, err)
	}
	return nil
}

func (c sqliteConfig) Delete(userID, key string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, err := c.s.db.Exec("DELETE FROM config WHERE user_id = ? AND key = ?", userID, key); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}
	return nil
}
