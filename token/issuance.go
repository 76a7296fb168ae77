package token

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/openidx/idp"
	"github.com/openidx/idp/clientauth"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
)

// Supported grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

// requiredParams lists the form parameters each grant type must carry.
// Checked before dispatch so services can assume presence.
var requiredParams = map[string][]string{
	GrantTypeAuthorizationCode: {"code"},
	GrantTypeRefreshToken:      {"refresh_token"},
	GrantTypePassword:          {"username", "password"},
	GrantTypeCIBA:              {"auth_req_id"},
}

// IssueRequest is one authenticated token endpoint call.
type IssueRequest struct {
	Tenant      *config.Tenant
	Server      *config.ServerConfiguration
	Client      *config.ClientConfiguration
	Credentials clientauth.ClientCredentials
	Form        url.Values
}

// GrantService mints tokens for one grant type.
type GrantService interface {
	GrantType() string
	Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error)
}

// IssuanceService pre-validates token endpoint calls and dispatches to the
// grant-type service. The registry is fixed at construction.
type IssuanceService struct {
	services map[string]GrantService
	auditor  *security.Auditor
	logger   *slog.Logger
}

// NewIssuanceService builds the dispatcher from an explicit service list.
func NewIssuanceService(logger *slog.Logger, auditor *security.Auditor, services ...GrantService) *IssuanceService {
	if logger == nil {
		logger = slog.Default()
	}
	registry := make(map[string]GrantService, len(services))
	for _, svc := range services {
		registry[svc.GrantType()] = svc
	}
	return &IssuanceService{services: registry, auditor: auditor, logger: logger}
}

// Issue validates the call shape, checks grant-type support on both server
// and client, then dispatches.
func (s *IssuanceService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	grantType := req.Form.Get("grant_type")
	if grantType == "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "grant_type is required")
	}
	svc, ok := s.services[grantType]
	if !ok || !req.Server.SupportsGrantType(grantType) {
		return nil, idp.BadRequest(idp.ErrorCodeUnsupportedGrantType,
			"grant_type "+grantType+" is not supported")
	}
	if !req.Client.SupportsGrantType(grantType) {
		return nil, idp.BadRequest(idp.ErrorCodeUnauthorizedClient,
			"client is not registered for grant_type "+grantType)
	}
	for _, param := range requiredParams[grantType] {
		if req.Form.Get(param) == "" {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, param+" is required")
		}
	}

	token, err := svc.Issue(ctx, req)
	if err != nil {
		return nil, err
	}

	s.auditor.LogTokenIssued(req.Tenant.ID, req.Client.ClientID, token.Grant.Subject,
		grantType, request.JoinScope(token.Grant.Scopes))
	s.logger.Debug("token issued",
		"tenant_id", req.Tenant.ID,
		"client_id", req.Client.ClientID,
		"grant_type", grantType)
	return token, nil
}

// mintOptions controls what mint attaches to a fresh token.
type mintOptions struct {
	includeRefresh bool
	nonce          string
	idTokens       *IDTokenIssuer
}

// mint creates the OAuthToken credential set for a grant. The ID token is
// attached only when the grant's scope contains openid and an issuer is
// available.
func mint(req *IssueRequest, g grant.AuthorizationGrant, opts mintOptions) (*OAuthToken, error) {
	now := time.Now().UTC()
	t := &OAuthToken{
		ID:                   uuid.NewString(),
		TenantID:             req.Tenant.ID,
		AccessToken:          security.GenerateToken(),
		TokenType:            "Bearer",
		Grant:                g,
		IssuedAt:             now,
		AccessTokenExpiresAt: now.Add(time.Duration(req.Server.AccessTokenTTL) * time.Second),
		CertThumbprint:       req.Credentials.CertThumbprint,
	}
	if opts.includeRefresh {
		t.RefreshToken = security.GenerateToken()
		t.RefreshTokenExpiresAt = now.Add(time.Duration(req.Server.RefreshTokenTTL) * time.Second)
	}
	if g.HasOpenIDScope() && opts.idTokens != nil {
		idToken, err := opts.idTokens.Issue(req.Server, g, opts.nonce)
		if err != nil {
			return nil, idp.ServerError("failed to sign ID token: " + err.Error())
		}
		t.IDToken = idToken
	}
	return t, nil
}
