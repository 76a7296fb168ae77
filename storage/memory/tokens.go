package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openidx/idp/token"
)

// CodeGrantStore holds unconsumed authorization code grants keyed by
// (tenant, code).
type CodeGrantStore struct {
	mu    sync.Mutex
	codes map[string]*token.AuthorizationCodeGrant
}

func NewCodeGrantStore() *CodeGrantStore {
	return &CodeGrantStore{codes: make(map[string]*token.AuthorizationCodeGrant)}
}

func (s *CodeGrantStore) Register(ctx context.Context, codeGrant *token.AuthorizationCodeGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *codeGrant
	s.codes[key(codeGrant.TenantID, codeGrant.Code)] = &cp
	return nil
}

// Consume deletes under the lock, so two concurrent redemptions of the
// same code have exactly one winner.
func (s *CodeGrantStore) Consume(ctx context.Context, tenantID, code string) (*token.AuthorizationCodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, code)
	codeGrant, ok := s.codes[k]
	if !ok {
		return nil, token.ErrCodeGrantNotFound
	}
	delete(s.codes, k)
	cp := *codeGrant
	return &cp, nil
}

func (s *CodeGrantStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, codeGrant := range s.codes {
		if codeGrant.Expired(now) {
			delete(s.codes, k)
			removed++
		}
	}
	return removed, nil
}

// TokenStore holds issued credential sets keyed by (tenant, token ID),
// with secondary indexes on the access and refresh token values.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*token.OAuthToken
	byAT   map[string]string // (tenant, access token)  -> token ID
	byRT   map[string]string // (tenant, refresh token) -> token ID
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*token.OAuthToken),
		byAT:   make(map[string]string),
		byRT:   make(map[string]string),
	}
}

func (s *TokenStore) Register(ctx context.Context, t *token.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tokens[key(t.TenantID, t.ID)] = &cp
	s.byAT[key(t.TenantID, t.AccessToken)] = t.ID
	if t.RefreshToken != "" {
		s.byRT[key(t.TenantID, t.RefreshToken)] = t.ID
	}
	return nil
}

func (s *TokenStore) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*token.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAT[key(tenantID, accessToken)]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	return s.findLocked(tenantID, id)
}

func (s *TokenStore) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRT[key(tenantID, refreshToken)]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	return s.findLocked(tenantID, id)
}

// ConsumeRefreshToken deletes the whole credential set under the lock, so
// rotation has exactly one winner per refresh token value.
func (s *TokenStore) ConsumeRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRT[key(tenantID, refreshToken)]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	t, err := s.findLocked(tenantID, id)
	if err != nil {
		return nil, err
	}
	s.deleteLocked(t)
	return t, nil
}

func (s *TokenStore) Delete(ctx context.Context, tenantID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[key(tenantID, tokenID)]; ok {
		s.deleteLocked(t)
	}
	return nil
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, t := range s.tokens {
		expiry := t.AccessTokenExpiresAt
		if t.RefreshToken != "" {
			expiry = t.RefreshTokenExpiresAt
		}
		if now.UTC().After(expiry) {
			s.deleteLocked(t)
			removed++
		}
	}
	return removed, nil
}

func (s *TokenStore) findLocked(tenantID, id string) (*token.OAuthToken, error) {
	t, ok := s.tokens[key(tenantID, id)]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TokenStore) deleteLocked(t *token.OAuthToken) {
	delete(s.tokens, key(t.TenantID, t.ID))
	delete(s.byAT, key(t.TenantID, t.AccessToken))
	if t.RefreshToken != "" {
		delete(s.byRT, key(t.TenantID, t.RefreshToken))
	}
}
