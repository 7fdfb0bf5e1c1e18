package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore is the single owner of the daemon's current auth token
// (spec.md §9: "the current auth token is process-wide mutable state.
// Encapsulate each in a single owner object with explicit rotate/advance
// methods"). The token file itself is rewritten with the tmp+rename
// discipline used throughout the rest of the orchestrator (evidence
// ledger, snapshot store, file-change tracker).
type TokenStore struct {
	path string

	mu      sync.RWMutex
	current string
}

func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// OpenTokenStore generates a fresh token and writes it to path, creating
// parent directories as needed.
func OpenTokenStore(path string) (*TokenStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	s := &TokenStore{path: path}
	if err := s.write(token); err != nil {
		return nil, err
	}
	return s, nil
}

// write atomically rewrites the token file: UTF-8, trimmed, single line,
// newline-terminated (spec.md §6 "Token file format").
func (s *TokenStore) write(token string) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit token file: %w", err)
	}
	s.mu.Lock()
	s.current = token
	s.mu.Unlock()
	return nil
}

// Current returns the active token.
func (s *TokenStore) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Matches reports whether candidate is the currently active token.
func (s *TokenStore) Matches(candidate string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return candidate != "" && candidate == s.current
}

// Rotate generates a new token, atomically replacing the old one, and
// returns both the previous and new values so the caller can revoke
// connections authenticated under the old one (spec.md §4.9
// "gateway.rotate-token").
func (s *TokenStore) Rotate() (previous, next string, err error) {
	s.mu.RLock()
	previous = s.current
	s.mu.RUnlock()

	next, err = generateToken()
	if err != nil {
		return "", "", err
	}
	if err := s.write(next); err != nil {
		return "", "", err
	}
	return previous, next, nil
}
