package credential

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const slot = "access"

// SQLiteStore persists the credential so a restart can restore the session.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errNoDB
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the stored credential or "" when none is held.
func (s *SQLiteStore) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	err := s.db.QueryRow("SELECT token FROM credentials WHERE slot = ?", slot).Scan(&token)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return token, nil
}

// Set replaces the stored credential wholesale.
func (s *SQLiteStore) Set(token string) error {
	if token == "" {
		return s.Clear()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt sql.NullTime
	if exp, ok := ExpiresAt(token); ok {
		expiresAt = sql.NullTime{Time: exp, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO credentials (slot, token, expires_at, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP`,
		slot, token, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if expiresAt.Valid {
		log.Debug().Time("expires_at", expiresAt.Time).Msg("Stored access credential")
	}
	return nil
}

// Clear removes the stored credential.
func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials WHERE slot = ?", slot); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
