// Package token mints, validates, and invalidates the credential sets the
// server issues: access tokens, refresh tokens, and ID tokens, bound to the
// authorization grant they were issued under. Issuance dispatches on
// grant_type through an explicit service registry.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/security"
)

// Sentinel errors shared by repository implementations.
var (
	// ErrTokenNotFound is returned when no token row matches the lookup.
	ErrTokenNotFound = errors.New("token: not found")

	// ErrCodeGrantNotFound is returned when an authorization code is
	// unknown, expired, or already consumed. Single-use consumption makes
	// "already used" indistinguishable from "never existed" on purpose.
	ErrCodeGrantNotFound = errors.New("token: authorization code grant not found")
)

// OAuthToken is one issued credential set. Deleted on revocation or
// rotation; expiry is checked on every use.
type OAuthToken struct {
	ID       string
	TenantID string

	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string

	Grant grant.AuthorizationGrant

	IssuedAt              time.Time
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time

	// CertThumbprint sender-constrains the token to an mTLS client
	// certificate (RFC 8705), empty otherwise.
	CertThumbprint string
}

// AccessTokenExpired reports access-token expiry with clock-skew grace.
func (t *OAuthToken) AccessTokenExpired() bool {
	return security.Expired(t.AccessTokenExpiresAt)
}

// RefreshTokenExpired reports refresh-token expiry with clock-skew grace.
func (t *OAuthToken) RefreshTokenExpired() bool {
	return t.RefreshToken == "" || security.Expired(t.RefreshTokenExpiresAt)
}

// AuthorizationCodeGrant binds a single-use authorization code to the grant
// it will redeem, with the PKCE snapshot taken at issuance. Consumed exactly
// once at token exchange.
type AuthorizationCodeGrant struct {
	TenantID string
	Code     string

	Grant grant.AuthorizationGrant

	// PKCE snapshot from the authorization request.
	CodeChallenge       string
	CodeChallengeMethod string

	RedirectURI            string
	AuthorizationRequestID string
	Nonce                  string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code has passed its lifetime at now.
func (c *AuthorizationCodeGrant) Expired(now time.Time) bool {
	return now.UTC().After(c.ExpiresAt)
}

// CodeGrantRepository persists single-use authorization codes. Consume is
// the atomic read-then-invalidate required by the single-winner invariant:
// two concurrent exchanges of one code must see exactly one success.
type CodeGrantRepository interface {
	Register(ctx context.Context, codeGrant *AuthorizationCodeGrant) error

	// Consume atomically retrieves and deletes the code grant, returning
	// ErrCodeGrantNotFound when it does not exist or was already consumed.
	Consume(ctx context.Context, tenantID, code string) (*AuthorizationCodeGrant, error)

	// DeleteExpired removes code grants whose expiry precedes now. Driven
	// by an external sweep job.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Repository persists issued tokens, keyed by (tenant, token value) for
// both access and refresh lookups.
type Repository interface {
	Register(ctx context.Context, token *OAuthToken) error

	// FindByAccessToken returns the token row for an access-token value,
	// or ErrTokenNotFound.
	FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*OAuthToken, error)

	// FindByRefreshToken returns the token row for a refresh-token value,
	// or ErrTokenNotFound.
	FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*OAuthToken, error)

	// ConsumeRefreshToken atomically retrieves and deletes the row holding
	// refreshToken so rotation has exactly one winner.
	ConsumeRefreshToken(ctx context.Context, tenantID, refreshToken string) (*OAuthToken, error)

	// Delete removes a token row by its identifier. Unknown IDs are a
	// no-op, not an error.
	Delete(ctx context.Context, tenantID, tokenID string) error

	// DeleteExpired removes rows whose refresh expiry (or access expiry
	// when no refresh token exists) precedes now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
