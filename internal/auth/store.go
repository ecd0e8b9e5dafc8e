package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TokenStore persists the signed-in credential between runs so the user
// does not have to log in on every start. One row per identity provider.
type TokenStore struct {
	db *sql.DB
}

// OpenTokenStore opens (creating if needed) the sqlite credential cache at path.
func OpenTokenStore(path string) (*TokenStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential cache: %w", err)
	}

	createCredentialsTable := `
	CREATE TABLE IF NOT EXISTS credentials (
		issuer TEXT PRIMARY KEY,
		access_token TEXT,
		refresh_token TEXT,
		expires_at DATETIME
	);`

	if _, err := db.Exec(createCredentialsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	return &TokenStore{db: db}, nil
}

// Save writes the credential for issuer, replacing any previous row.
func (s *TokenStore) Save(issuer string, cred *Credential) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO credentials (issuer, access_token, refresh_token, expires_at) VALUES (?, ?, ?, ?)",
		issuer, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Load returns the cached credential for issuer, or nil if there is none.
// Expired rows are deleted and reported as absent.
func (s *TokenStore) Load(issuer string) (*Credential, error) {
	var cred Credential
	err := s.db.QueryRow(
		"SELECT access_token, refresh_token, expires_at FROM credentials WHERE issuer = ?",
		issuer,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if !cred.ExpiresAt.IsZero() && time.Now().After(cred.ExpiresAt) {
		if err := s.Delete(issuer); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &cred, nil
}

// Delete removes the cached credential for issuer.
func (s *TokenStore) Delete(issuer string) error {
	if _, err := s.db.Exec("DELETE FROM credentials WHERE issuer = ?", issuer); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *TokenStore) Close() error {
	return s.db.Close()
}
