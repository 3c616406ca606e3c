// Package credential holds the current access credential. It has no logic
// beyond get/set/clear; the Resilient Client and the Session Controller decide
// when the value changes.
package credential

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store is the process-local home of the access credential.
// An empty string means no credential is held.
type Store interface {
	Get() (string, error)
	Set(token string) error
	Clear() error
}

// MemoryStore keeps the credential in memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryStore) Set(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	return s.Set("")
}

// ExpiresAt reads the exp claim of a JWT access token without verifying its
// signature. The client cannot verify it anyway; the value is informational.
// Opaque (non-JWT) tokens report ok == false.
func ExpiresAt(token string) (t time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token carries an exp claim in the past.
func Expired(token string, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	return ok && !now.Before(exp)
}

var errNoDB = errors.New("credential store: database is nil")
