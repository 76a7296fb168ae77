// Package response turns a verified request plus a completed grant into the
// authorization response: a single-use code, immediately minted tokens, or
// both, delivered by redirect. Creators are registered per response_type at
// startup; an unregistered response_type reaching this layer is an
// invariant violation, not a user error.
package response

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
	"github.com/openidx/idp/token"
)

// Input is everything a creator needs to answer one authorization.
type Input struct {
	Request *request.AuthorizationRequest
	Server  *config.ServerConfiguration
	Client  *config.ClientConfiguration
	Grant   grant.AuthorizationGrant
}

// Result is the redirect the user agent is sent back with.
type Result struct {
	RedirectURI string
	// Fragment reports whether the parameters traveled in the URI fragment
	// (any response carrying tokens) instead of the query.
	Fragment bool
}

// Creator issues the response for one response_type.
type Creator interface {
	ResponseType() string
	Create(ctx context.Context, in *Input) (*Result, error)
}

// Registry dispatches on response_type. Built from a fixed constructor
// list, no runtime discovery.
type Registry struct {
	creators map[string]Creator
}

// NewRegistry builds the standard creator set: code, token, id_token, and
// the hybrid combinations.
func NewRegistry(codes token.CodeGrantRepository, tokens token.Repository, idTokens *token.IDTokenIssuer) *Registry {
	deps := creatorDeps{codes: codes, tokens: tokens, idTokens: idTokens}
	registry := &Registry{creators: make(map[string]Creator)}
	for _, c := range []Creator{
		&compositeCreator{deps: deps, responseType: "code", withCode: true},
		&compositeCreator{deps: deps, responseType: "token", withToken: true},
		&compositeCreator{deps: deps, responseType: "id_token", withIDToken: true},
		&compositeCreator{deps: deps, responseType: "code token", withCode: true, withToken: true},
		&compositeCreator{deps: deps, responseType: "code id_token", withCode: true, withIDToken: true},
		&compositeCreator{deps: deps, responseType: "code token id_token", withCode: true, withToken: true, withIDToken: true},
	} {
		registry.creators[c.ResponseType()] = c
	}
	return registry
}

// Create dispatches to the creator for the request's response_type.
// Verification already excluded unsupported values, so a miss here is a
// ServerError.
func (r *Registry) Create(ctx context.Context, in *Input) (*Result, error) {
	creator, ok := r.creators[normalizeResponseType(in.Request.ResponseType)]
	if !ok {
		return nil, idp.ServerError(fmt.Sprintf(
			"response_type %q passed verification but has no creator", in.Request.ResponseType))
	}
	return creator.Create(ctx, in)
}

type creatorDeps struct {
	codes    token.CodeGrantRepository
	tokens   token.Repository
	idTokens *token.IDTokenIssuer
}

// compositeCreator handles one response_type combination. The code part
// stores a single-use AuthorizationCodeGrant; the token parts mint
// immediately and ride the fragment.
type compositeCreator struct {
	deps         creatorDeps
	responseType string
	withCode     bool
	withToken    bool
	withIDToken  bool
}

func (c *compositeCreator) ResponseType() string { return c.responseType }

func (c *compositeCreator) Create(ctx context.Context, in *Input) (*Result, error) {
	params := url.Values{}
	if in.Request.State != "" {
		params.Set("state", in.Request.State)
	}

	if c.withCode {
		code, err := c.issueCode(ctx, in)
		if err != nil {
			return nil, err
		}
		params.Set("code", code)
	}

	if c.withToken {
		t, err := c.issueToken(ctx, in)
		if err != nil {
			return nil, err
		}
		params.Set("access_token", t.AccessToken)
		params.Set("token_type", t.TokenType)
		params.Set("expires_in", fmt.Sprintf("%d", in.Server.AccessTokenTTL))
	}

	if c.withIDToken {
		idToken, err := c.deps.idTokens.Issue(in.Server, in.Grant, in.Request.Nonce)
		if err != nil {
			return nil, idp.ServerError("failed to sign ID token: " + err.Error())
		}
		params.Set("id_token", idToken)
	}

	fragment := c.withToken || c.withIDToken || in.Request.ResponseMode == "fragment"
	redirect, err := buildRedirect(in.Request.RedirectURI, params, fragment)
	if err != nil {
		return nil, idp.ServerError("failed to build redirect: " + err.Error())
	}
	return &Result{RedirectURI: redirect, Fragment: fragment}, nil
}

// issueCode mints and stores the single-use authorization code with its
// PKCE snapshot.
func (c *compositeCreator) issueCode(ctx context.Context, in *Input) (string, error) {
	now := time.Now().UTC()
	codeGrant := &token.AuthorizationCodeGrant{
		TenantID:               in.Request.TenantID,
		Code:                   security.GenerateToken(),
		Grant:                  in.Grant,
		CodeChallenge:          in.Request.CodeChallenge,
		CodeChallengeMethod:    in.Request.CodeChallengeMethod,
		RedirectURI:            in.Request.RedirectURI,
		AuthorizationRequestID: in.Request.ID,
		Nonce:                  in.Request.Nonce,
		CreatedAt:              now,
		ExpiresAt:              now.Add(time.Duration(in.Server.AuthorizationCodeTTL) * time.Second),
	}
	if err := c.deps.codes.Register(ctx, codeGrant); err != nil {
		return "", err
	}
	return codeGrant.Code, nil
}

// issueToken mints an access token immediately for implicit-style response
// types. No refresh token ever rides a front-channel response.
func (c *compositeCreator) issueToken(ctx context.Context, in *Input) (*token.OAuthToken, error) {
	now := time.Now().UTC()
	t := &token.OAuthToken{
		ID:                   uuid.NewString(),
		TenantID:             in.Request.TenantID,
		AccessToken:          security.GenerateToken(),
		TokenType:            "Bearer",
		Grant:                in.Grant,
		IssuedAt:             now,
		AccessTokenExpiresAt: now.Add(time.Duration(in.Server.AccessTokenTTL) * time.Second),
	}
	if err := c.deps.tokens.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// normalizeResponseType orders multi-valued response types canonically so
// "token code" and "code token" dispatch the same creator.
func normalizeResponseType(responseType string) string {
	parts := request.SplitScope(responseType)
	var hasCode, hasToken, hasIDToken bool
	for _, p := range parts {
		switch p {
		case "code":
			hasCode = true
		case "token":
			hasToken = true
		case "id_token":
			hasIDToken = true
		default:
			return responseType
		}
	}
	out := make([]string, 0, 3)
	if hasCode {
		out = append(out, "code")
	}
	if hasToken {
		out = append(out, "token")
	}
	if hasIDToken {
		out = append(out, "id_token")
	}
	return request.JoinScope(out)
}

// buildRedirect appends params to the redirect URI in the query or
// fragment.
func buildRedirect(redirectURI string, params url.Values, fragment bool) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	if fragment {
		u.Fragment = params.Encode()
		return u.String(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrorRedirect encodes a redirectable error back to the client per the
// request's response_mode.
func ErrorRedirect(redirectURI, state string, e *idp.Error, fragment bool) (string, error) {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return buildRedirect(redirectURI, params, fragment)
}
