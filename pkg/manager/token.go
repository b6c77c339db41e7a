package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// RoleReplica marks credentials that authorize cluster membership changes
// and the rest of the internal surface. The control loop roles double as
// identity roles for remote scheduler or controller replicas.
const RoleReplica = "replica"

// TokenManager registers the bearer identities accepted on the internal
// API: static credentials from configuration plus minted, time-limited
// join tokens.
type TokenManager struct {
	tokens map[string]*Token
	mu     sync.RWMutex
}

// Token is one issued bearer credential.
type Token struct {
	Secret    string
	Role      string
	CreatedAt time.Time
	// ExpiresAt zero means the credential never expires.
	ExpiresAt time.Time
}

// NewTokenManager creates an empty identity registry.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*Token),
	}
}

// Issue mints a random credential for role, valid for ttl. A zero ttl
// issues a non-expiring credential.
func (tm *TokenManager) Issue(role string, ttl time.Duration) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	t := &Token{
		Secret:    hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		t.ExpiresAt = t.CreatedAt.Add(ttl)
	}

	tm.mu.Lock()
	tm.tokens[t.Secret] = t
	tm.mu.Unlock()
	return t, nil
}

// Admit registers a preconfigured secret for role, without expiry. Used
// for the static identities carried in configuration.
func (tm *TokenManager) Admit(secret, role string) {
	if secret == "" {
		return
	}
	tm.mu.Lock()
	tm.tokens[secret] = &Token{Secret: secret, Role: role, CreatedAt: time.Now()}
	tm.mu.Unlock()
}

// Validate returns the role bound to secret.
func (tm *TokenManager) Validate(secret string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, ok := tm.tokens[secret]
	if !ok {
		return "", fmt.Errorf("invalid token")
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return "", fmt.Errorf("token expired")
	}
	return t.Role, nil
}

// Revoke forgets a credential.
func (tm *TokenManager) Revoke(secret string) {
	tm.mu.Lock()
	delete(tm.tokens, secret)
	tm.mu.Unlock()
}

// CleanupExpired drops credentials past their expiry.
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for secret, t := range tm.tokens {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			delete(tm.tokens, secret)
		}
	}
}

// List returns all registered credentials.
func (tm *TokenManager) List() []*Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	out := make([]*Token, 0, len(tm.tokens))
	for _, t := range tm.tokens {
		out = append(out, t)
	}
	return out
}
