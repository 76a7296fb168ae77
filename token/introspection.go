package token

import (
	"context"
	"errors"

	"github.com/openidx/idp"
	"github.com/openidx/idp/request"
)

// IntrospectionResponse is the RFC 7662 introspection result. Inactive
// responses carry only active=false.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// IntrospectionService resolves token values to their introspection view.
type IntrospectionService struct {
	tokens Repository
}

// NewIntrospectionService creates the introspection service.
func NewIntrospectionService(tokens Repository) *IntrospectionService {
	return &IntrospectionService{tokens: tokens}
}

// Introspect looks the value up as an access token, then as a refresh
// token. Unknown and expired tokens yield active=false, never an error
// (RFC 7662 2.2); only a missing token parameter is invalid_request.
// Repository failures propagate so an outage never reads as revocation.
func (s *IntrospectionService) Introspect(ctx context.Context, tenantID, issuer, tokenValue string) (*IntrospectionResponse, error) {
	if tokenValue == "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "token is required")
	}

	t, err := s.tokens.FindByAccessToken(ctx, tenantID, tokenValue)
	expired := false
	if err == nil {
		expired = t.AccessTokenExpired()
	} else if errors.Is(err, ErrTokenNotFound) {
		t, err = s.tokens.FindByRefreshToken(ctx, tenantID, tokenValue)
		if err == nil {
			expired = t.RefreshTokenExpired()
		}
	}
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, idp.ServerError("token lookup failed: " + err.Error())
	}
	if err != nil || expired {
		return &IntrospectionResponse{Active: false}, nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     request.JoinScope(t.Grant.Scopes),
		ClientID:  t.Grant.ClientID,
		Subject:   t.Grant.Subject,
		TokenType: t.TokenType,
		ExpiresAt: t.AccessTokenExpiresAt.Unix(),
		IssuedAt:  t.IssuedAt.Unix(),
		Issuer:    issuer,
	}, nil
}
