package manager

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager holds the bearer tokens accepted by the API: the static
// tokens from configuration and short-lived tokens issued at runtime
type TokenManager struct {
	static [][]byte
	tokens map[string]*APIToken
	mu     sync.RWMutex
}

// APIToken is a token issued at runtime
type APIToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenManager creates a token manager accepting the given static tokens
func NewTokenManager(static ...string) *TokenManager {
	tm := &TokenManager{tokens: make(map[string]*APIToken)}
	for _, s := range static {
		if s != "" {
			tm.static = append(tm.static, []byte(s))
		}
	}
	return tm
}

// Enabled reports whether any token can be accepted. An API without
// tokens rejects every authenticated request.
func (tm *TokenManager) Enabled() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.static) > 0 || len(tm.tokens) > 0
}

// GenerateToken issues a random token valid for duration
func (tm *TokenManager) GenerateToken(duration time.Duration) (*APIToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := time.Now()
	t := &APIToken{
		Token:     hex.EncodeToString(bytes),
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[t.Token] = t
	tm.mu.Unlock()

	return t, nil
}

// Validate reports whether token is a configured token or an unexpired
// issued one
func (tm *TokenManager) Validate(token string) bool {
	if token == "" {
		return false
	}

	tm.mu.RLock()
	defer tm.mu.RUnlock()

	for _, s := range tm.static {
		if subtle.ConstantTimeCompare(s, []byte(token)) == 1 {
			return true
		}
	}
	t, ok := tm.tokens[token]
	return ok && time.Now().Before(t.ExpiresAt)
}

// RevokeToken revokes an issued token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired issued tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, t := range tm.tokens {
		if now.After(t.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
