package store

import (
	"database/sql"
	"errors"
)

const tokenHashKey = "api_token_hash"

// SetMetadata upserts a key-value pair in the server_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO server_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM server_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetTokenHash stores the bcrypt hash of the API bearer token.
func (s *Store) SetTokenHash(hash string) error {
	return s.SetMetadata(tokenHashKey, hash)
}

// TokenHash returns the stored API token hash, or "" when auth is not configured.
func (s *Store) TokenHash() (string, error) {
	return s.GetMetadata(tokenHashKey)
}
