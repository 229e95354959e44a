package transport

import (
	"context"
	"sync"
)

// TokenPair contains the credentials of authenticated requests.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenStore keeps the current token pair.
type TokenStore interface {
	Tokens() TokenPair
	SetTokens(TokenPair)
}

// Refresher obtains a new token pair, typically by presenting the current
// refresh token to an authentication endpoint.
type Refresher func(ctx context.Context) (TokenPair, error)

// MemoryTokenStore is a TokenStore that lives in memory.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens TokenPair
}

// NewMemoryTokenStore returns a store that contains the given tokens.
func NewMemoryTokenStore(tokens TokenPair) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: tokens}
}

func (s *MemoryTokenStore) Tokens() TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *MemoryTokenStore) SetTokens(t TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = t
}
