package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openidx/idp/token"
)

const (
	kindCodeGrant = "code"
	kindToken     = "token"
	kindATIndex   = "at"
	kindRTIndex   = "rt"
)

// CodeGrantStore persists unconsumed authorization code grants under the
// code value. Consume uses GETDEL so a code redeems at most once across
// nodes.
type CodeGrantStore struct {
	s *Store
}

func (c *CodeGrantStore) Register(ctx context.Context, codeGrant *token.AuthorizationCodeGrant) error {
	return c.s.setJSON(ctx, c.s.key(kindCodeGrant, codeGrant.TenantID, codeGrant.Code), codeGrant, codeGrant.ExpiresAt)
}

func (c *CodeGrantStore) Consume(ctx context.Context, tenantID, code string) (*token.AuthorizationCodeGrant, error) {
	var codeGrant token.AuthorizationCodeGrant
	if err := c.s.getDelJSON(ctx, c.s.key(kindCodeGrant, tenantID, code), &codeGrant, token.ErrCodeGrantNotFound); err != nil {
		return nil, err
	}
	return &codeGrant, nil
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (c *CodeGrantStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// TokenStore persists issued credential sets under the token ID, with
// index keys mapping the access and refresh token values back to it.
// Index keys share the row's TTL.
type TokenStore struct {
	s *Store
}

func (t *TokenStore) Register(ctx context.Context, tok *token.OAuthToken) error {
	expiry := tok.AccessTokenExpiresAt
	if tok.RefreshToken != "" && tok.RefreshTokenExpiresAt.After(expiry) {
		expiry = tok.RefreshTokenExpiresAt
	}

	if err := t.s.setJSON(ctx, t.s.key(kindToken, tok.TenantID, tok.ID), tok, expiry); err != nil {
		return err
	}
	if err := t.setIndex(ctx, t.s.key(kindATIndex, tok.TenantID, tok.AccessToken), tok.ID, expiry); err != nil {
		return err
	}
	if tok.RefreshToken != "" {
		if err := t.setIndex(ctx, t.s.key(kindRTIndex, tok.TenantID, tok.RefreshToken), tok.ID, expiry); err != nil {
			return err
		}
	}
	return nil
}

// setIndex stores the token ID raw so the rotation script can build the
// row key by concatenation.
func (t *TokenStore) setIndex(ctx context.Context, indexKey, id string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl < minTTL {
		ttl = minTTL
	}
	return t.s.client.Do(ctx,
		t.s.client.B().Set().Key(indexKey).Value(id).Ex(ttl).Build(),
	).Error()
}

func (t *TokenStore) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*token.OAuthToken, error) {
	return t.findByIndex(ctx, tenantID, t.s.key(kindATIndex, tenantID, accessToken))
}

func (t *TokenStore) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	return t.findByIndex(ctx, tenantID, t.s.key(kindRTIndex, tenantID, refreshToken))
}

func (t *TokenStore) findByIndex(ctx context.Context, tenantID, indexKey string) (*token.OAuthToken, error) {
	id, err := t.s.getString(ctx, indexKey, token.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	var tok token.OAuthToken
	if err := t.s.getJSON(ctx, t.s.key(kindToken, tenantID, id), &tok, token.ErrTokenNotFound); err != nil {
		return nil, err
	}
	return &tok, nil
}

// ConsumeRefreshToken resolves the refresh-token index and deletes the
// row plus both indexes in one Lua script, so rotation has exactly one
// winner across nodes.
func (t *TokenStore) ConsumeRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	result, err := t.s.client.Do(ctx,
		t.s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(t.s.key(kindRTIndex, tenantID, refreshToken)).
			Arg(t.s.prefix+kindToken+":"+tenantID+":",
				t.s.prefix+kindATIndex+":"+tenantID+":").
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, token.ErrTokenNotFound
	}

	var tok token.OAuthToken
	if err := json.Unmarshal([]byte(result), &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumed token: %w", err)
	}
	return &tok, nil
}

func (t *TokenStore) Delete(ctx context.Context, tenantID, tokenID string) error {
	var tok token.OAuthToken
	err := t.s.getJSON(ctx, t.s.key(kindToken, tenantID, tokenID), &tok, token.ErrTokenNotFound)
	if err == token.ErrTokenNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{
		t.s.key(kindToken, tenantID, tokenID),
		t.s.key(kindATIndex, tenantID, tok.AccessToken),
	}
	if tok.RefreshToken != "" {
		keys = append(keys, t.s.key(kindRTIndex, tenantID, tok.RefreshToken))
	}
	return t.s.delete(ctx, keys...)
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (t *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
