// Package csrf issues per-session tokens and verifies them on unsafe
// requests. A request that passes verification carries
// db.AuthorizedByCSRF on its context.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSession     = errors.New("csrf: no session")
	ErrTokenMismatch = errors.New("csrf: token mismatch")
)

// Store keeps one token per session id.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]string)}
}

// Token returns the session's token, issuing one on first use.
func (s *Store) Token(session string) (string, error) {
	if session == "" {
		return "", ErrNoSession
	}

	s.mu.RLock()
	tok, ok := s.tokens[session]
	s.mu.RUnlock()
	if ok {
		return tok, nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	fresh := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[session]; ok {
		return tok, nil
	}
	s.tokens[session] = fresh
	return fresh, nil
}

// Verify checks token against the one issued for session.
func (s *Store) Verify(session, token string) error {
	if session == "" {
		return ErrNoSession
	}
	s.mu.RLock()
	want, ok := s.tokens[session]
	s.mu.RUnlock()
	if !ok || token == "" || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// Forget drops the session's token.
func (s *Store) Forget(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, session)
}
