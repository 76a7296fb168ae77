package token

import (
	"context"
	"errors"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
)

// AuthorizationCodeGrantService exchanges single-use authorization codes.
type AuthorizationCodeGrantService struct {
	codes    CodeGrantRepository
	tokens   Repository
	idTokens *IDTokenIssuer
	auditor  *security.Auditor
}

// NewAuthorizationCodeGrantService wires the code exchange path.
func NewAuthorizationCodeGrantService(codes CodeGrantRepository, tokens Repository,
	idTokens *IDTokenIssuer, auditor *security.Auditor) *AuthorizationCodeGrantService {
	return &AuthorizationCodeGrantService{codes: codes, tokens: tokens, idTokens: idTokens, auditor: auditor}
}

func (s *AuthorizationCodeGrantService) GrantType() string { return GrantTypeAuthorizationCode }

// Issue consumes the code atomically, then validates redirect_uri, client
// binding, and PKCE against the stored snapshot. Validation failures after
// consumption burn the code: a retried exchange sees invalid_grant either
// way, which keeps the single-winner invariant simple.
func (s *AuthorizationCodeGrantService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	code := req.Form.Get("code")

	codeGrant, err := s.codes.Consume(ctx, req.Tenant.ID, code)
	if err != nil {
		if errors.Is(err, ErrCodeGrantNotFound) {
			s.auditor.LogCodeReplayed(req.Tenant.ID, req.Client.ClientID)
			return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "authorization code is invalid")
		}
		return nil, err
	}
	if codeGrant.Expired(time.Now()) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "authorization code is expired")
	}
	if codeGrant.Grant.ClientID != req.Client.ClientID {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "authorization code is invalid")
	}
	if codeGrant.RedirectURI != "" && codeGrant.RedirectURI != req.Form.Get("redirect_uri") {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if codeGrant.CodeChallenge != "" {
		verifier := req.Form.Get("code_verifier")
		if verifier == "" {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "code_verifier is required")
		}
		if !security.VerifyPKCE(codeGrant.CodeChallenge, codeGrant.CodeChallengeMethod, verifier) {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "code_verifier does not match the challenge")
		}
	}

	t, err := mint(req, codeGrant.Grant, mintOptions{
		includeRefresh: req.Client.SupportsGrantType(GrantTypeRefreshToken),
		nonce:          codeGrant.Nonce,
		idTokens:       s.idTokens,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RefreshTokenGrantService rotates refresh tokens: the presented token is
// consumed atomically and a fresh credential set is issued under the same
// grant.
type RefreshTokenGrantService struct {
	tokens   Repository
	idTokens *IDTokenIssuer
}

// NewRefreshTokenGrantService wires the rotation path.
func NewRefreshTokenGrantService(tokens Repository, idTokens *IDTokenIssuer) *RefreshTokenGrantService {
	return &RefreshTokenGrantService{tokens: tokens, idTokens: idTokens}
}

func (s *RefreshTokenGrantService) GrantType() string { return GrantTypeRefreshToken }

func (s *RefreshTokenGrantService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	presented := req.Form.Get("refresh_token")

	prior, err := s.tokens.ConsumeRefreshToken(ctx, req.Tenant.ID, presented)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "refresh token is invalid")
		}
		return nil, err
	}
	if security.Expired(prior.RefreshTokenExpiresAt) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "refresh token is expired")
	}
	if prior.Grant.ClientID != req.Client.ClientID {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "refresh token is invalid")
	}

	// Optional scope narrowing (RFC 6749 6): the new scope must be a
	// subset of the original grant.
	g := prior.Grant
	if requested := request.SplitScope(req.Form.Get("scope")); len(requested) > 0 {
		if !subset(requested, g.Scopes) {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidScope,
				"requested scope exceeds the original grant")
		}
		g.Scopes = requested
	}

	t, err := mint(req, g, mintOptions{includeRefresh: true, idTokens: s.idTokens})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ClientCredentialsGrantService issues machine tokens for the client
// itself. No user, no refresh token, no ID token.
type ClientCredentialsGrantService struct {
	tokens Repository
}

// NewClientCredentialsGrantService wires the machine-identity path.
func NewClientCredentialsGrantService(tokens Repository) *ClientCredentialsGrantService {
	return &ClientCredentialsGrantService{tokens: tokens}
}

func (s *ClientCredentialsGrantService) GrantType() string { return GrantTypeClientCredentials }

func (s *ClientCredentialsGrantService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	scopes := request.SplitScope(req.Form.Get("scope"))
	if len(scopes) == 0 {
		scopes = req.Client.Scopes
	}
	if !req.Client.ScopesAllowed(scopes) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidScope, "requested scope exceeds the client's registration")
	}

	g := grant.AuthorizationGrant{
		TenantID:    req.Tenant.ID,
		ClientID:    req.Client.ClientID,
		Subject:     req.Client.ClientID,
		Scopes:      scopes,
		ConsentedAt: time.Now().UTC(),
	}
	t, err := mint(req, g, mintOptions{})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// PasswordCredentialsGrantDelegate verifies resource-owner credentials.
// Identity storage is an external collaborator.
type PasswordCredentialsGrantDelegate interface {
	Verify(ctx context.Context, tenantID, username, password string) (grant.User, error)
}

// PasswordGrantService issues tokens for the resource owner password
// credentials grant. Retained for legacy tenants that still enable it.
type PasswordGrantService struct {
	tokens   Repository
	idTokens *IDTokenIssuer
	delegate PasswordCredentialsGrantDelegate
}

// NewPasswordGrantService wires the password grant path.
func NewPasswordGrantService(tokens Repository, idTokens *IDTokenIssuer,
	delegate PasswordCredentialsGrantDelegate) *PasswordGrantService {
	return &PasswordGrantService{tokens: tokens, idTokens: idTokens, delegate: delegate}
}

func (s *PasswordGrantService) GrantType() string { return GrantTypePassword }

func (s *PasswordGrantService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	if s.delegate == nil {
		return nil, idp.BadRequest(idp.ErrorCodeUnsupportedGrantType,
			"password grant is not configured for this deployment")
	}
	user, err := s.delegate.Verify(ctx, req.Tenant.ID, req.Form.Get("username"), req.Form.Get("password"))
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidGrant, "resource owner credentials are invalid")
	}

	scopes := request.SplitScope(req.Form.Get("scope"))
	if !req.Client.ScopesAllowed(scopes) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidScope, "requested scope exceeds the client's registration")
	}

	now := time.Now().UTC()
	g := grant.AuthorizationGrant{
		TenantID:       req.Tenant.ID,
		ClientID:       req.Client.ClientID,
		Subject:        user.Subject,
		User:           user,
		Authentication: grant.Authentication{Time: now, Methods: []string{"pwd"}},
		Scopes:         scopes,
		ConsentedAt:    now,
	}
	t, err := mint(req, g, mintOptions{
		includeRefresh: req.Client.SupportsGrantType(GrantTypeRefreshToken),
		idTokens:       s.idTokens,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CibaPollDelegate resolves one backchannel poll into an authorized grant.
// Implemented by the ciba package coordinator; errors come back already
// tagged (slow_down, authorization_pending, expired_token, access_denied,
// invalid_grant).
type CibaPollDelegate interface {
	HandlePoll(ctx context.Context, tenant *config.Tenant, server *config.ServerConfiguration,
		client *config.ClientConfiguration, authReqID string) (grant.AuthorizationGrant, error)
}

// CibaGrantService turns a successful poll into a credential set.
type CibaGrantService struct {
	tokens   Repository
	idTokens *IDTokenIssuer
	poller   CibaPollDelegate
}

// NewCibaGrantService wires the backchannel polling path.
func NewCibaGrantService(tokens Repository, idTokens *IDTokenIssuer, poller CibaPollDelegate) *CibaGrantService {
	return &CibaGrantService{tokens: tokens, idTokens: idTokens, poller: poller}
}

func (s *CibaGrantService) GrantType() string { return GrantTypeCIBA }

func (s *CibaGrantService) Issue(ctx context.Context, req *IssueRequest) (*OAuthToken, error) {
	g, err := s.poller.HandlePoll(ctx, req.Tenant, req.Server, req.Client, req.Form.Get("auth_req_id"))
	if err != nil {
		return nil, err
	}
	t, err := mint(req, g, mintOptions{
		includeRefresh: req.Client.SupportsGrantType(GrantTypeRefreshToken),
		idTokens:       s.idTokens,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// subset reports whether every element of sub is in super.
func subset(sub, super []string) bool {
	for _, s := range sub {
		found := false
		for _, v := range super {
			if v == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
