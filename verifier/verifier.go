// Package verifier gates authorization requests with profile-dependent rule
// chains. Each profile composes a mandatory base verifier with extension
// verifiers; the first failure short-circuits the chain.
//
// Error classification follows the redirect trust boundary: anything
// checked before the redirect_uri is validated as registered is a
// BadRequest, everything after is redirectable back to the client.
package verifier

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/profile"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
)

// Context is the verified view of one authorization attempt.
type Context struct {
	Request *request.AuthorizationRequest
	Server  *config.ServerConfiguration
	Client  *config.ClientConfiguration
}

// Verifier validates one aspect of an authorization request.
type Verifier interface {
	Verify(ctx *Context) error
}

// Extension is an optional verifier with an applicability gate.
type Extension interface {
	// ShouldSkip reports whether the extension does not apply to ctx.
	ShouldSkip(ctx *Context) bool
	Verifier
}

// Chain is one profile's composed rule set.
type Chain struct {
	Profile    profile.AuthorizationProfile
	Base       Verifier
	Extensions []Extension
}

// Verify runs the base verifier then each applicable extension, stopping at
// the first failure.
func (c Chain) Verify(ctx *Context) error {
	if err := c.Base.Verify(ctx); err != nil {
		return err
	}
	for _, ext := range c.Extensions {
		if ext.ShouldSkip(ctx) {
			continue
		}
		if err := ext.Verify(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Registry maps profiles to their chains. Built once at startup; no global
// mutable state.
type Registry struct {
	chains map[profile.AuthorizationProfile]Chain
}

// NewRegistry builds the standard profile chains.
func NewRegistry() *Registry {
	pkce := &PkceVerifier{}
	reqObj := &RequestObjectVerifier{}
	return &Registry{chains: map[profile.AuthorizationProfile]Chain{
		profile.OAuth2: {
			Profile:    profile.OAuth2,
			Base:       &OAuth2Verifier{},
			Extensions: []Extension{pkce, reqObj},
		},
		profile.OIDC: {
			Profile:    profile.OIDC,
			Base:       &OidcVerifier{},
			Extensions: []Extension{pkce, reqObj},
		},
		profile.FapiBaseline: {
			Profile:    profile.FapiBaseline,
			Base:       &FapiBaselineVerifier{},
			Extensions: []Extension{pkce, reqObj},
		},
		profile.FapiAdvance: {
			Profile:    profile.FapiAdvance,
			Base:       &FapiAdvanceVerifier{},
			Extensions: []Extension{pkce, reqObj},
		},
	}}
}

// Chain returns the chain for p. Unknown profiles are a configuration
// invariant violation.
func (r *Registry) Chain(p profile.AuthorizationProfile) (Chain, error) {
	chain, ok := r.chains[p]
	if !ok {
		return Chain{}, idp.ServerError(fmt.Sprintf("no verifier chain for profile %s", p))
	}
	return chain, nil
}

// Verify resolves the request's profile chain and runs it.
func (r *Registry) Verify(ctx *Context) error {
	chain, err := r.Chain(ctx.Request.Profile)
	if err != nil {
		return err
	}
	return chain.Verify(ctx)
}

// verifyRedirectURIRegistered is the shared trust-boundary check: the
// redirect_uri must exactly match a registered URI before any error may be
// delivered through it.
func verifyRedirectURIRegistered(ctx *Context, required bool) error {
	uri := ctx.Request.RedirectURI
	if uri == "" {
		if required {
			return idp.BadRequest(idp.ErrorCodeInvalidRequest, "redirect_uri is required")
		}
		if len(ctx.Client.RedirectURIs) != 1 {
			return idp.BadRequest(idp.ErrorCodeInvalidRequest,
				"redirect_uri is required when multiple URIs are registered")
		}
		ctx.Request.RedirectURI = ctx.Client.RedirectURIs[0]
		return nil
	}
	if !ctx.Client.RedirectURIRegistered(uri) {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	return nil
}

// verifyResponseTypeAndScope runs the post-trust-boundary checks shared by
// every profile. Failures here are redirectable.
func verifyResponseTypeAndScope(ctx *Context) error {
	responseType := ctx.Request.ResponseType
	if responseType == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest, "response_type is required")
	}
	if !ctx.Server.SupportsResponseType(responseType) {
		return idp.RedirectableBadRequest(idp.ErrorCodeUnsupportedResponseType,
			fmt.Sprintf("response_type %q is not supported by this tenant", responseType))
	}
	if len(ctx.Client.ResponseTypes) > 0 && !containsString(ctx.Client.ResponseTypes, responseType) {
		return idp.RedirectableBadRequest(idp.ErrorCodeUnauthorizedClient,
			fmt.Sprintf("client is not registered for response_type %q", responseType))
	}
	if !ctx.Client.ScopesAllowed(ctx.Request.Scopes) {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidScope,
			"requested scope exceeds the client's registration")
	}
	return nil
}

// OAuth2Verifier is the base rule set for plain OAuth 2.0 requests.
type OAuth2Verifier struct{}

func (v *OAuth2Verifier) Verify(ctx *Context) error {
	if err := verifyRedirectURIRegistered(ctx, false); err != nil {
		return err
	}
	return verifyResponseTypeAndScope(ctx)
}

// OidcVerifier adds OpenID Connect requirements on top of OAuth 2.0:
// redirect_uri is mandatory and nonce is required for implicit-style
// response types (OIDC Core 3.2.2.1).
type OidcVerifier struct{}

func (v *OidcVerifier) Verify(ctx *Context) error {
	if err := verifyRedirectURIRegistered(ctx, true); err != nil {
		return err
	}
	if err := verifyResponseTypeAndScope(ctx); err != nil {
		return err
	}
	if responseTypeContains(ctx.Request.ResponseType, "id_token") && ctx.Request.Nonce == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"nonce is required when response_type includes id_token")
	}
	return nil
}

// FapiBaselineVerifier enforces FAPI 1.0 Baseline Part 1 Section 5.2.2 on
// top of the OAuth/OIDC base rules: pre-registered https redirect_uri with
// exact match, no client_secret_basic/post authentication, PKCE S256,
// nonce with openid scope, state without it.
type FapiBaselineVerifier struct{}

func (v *FapiBaselineVerifier) Verify(ctx *Context) error {
	if len(ctx.Client.RedirectURIs) == 0 {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires pre-registered redirect URIs")
	}
	if ctx.Request.RedirectURI == "" {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires the redirect_uri parameter")
	}
	if err := verifyRedirectURIRegistered(ctx, true); err != nil {
		return err
	}
	if u, err := url.Parse(ctx.Request.RedirectURI); err != nil || u.Scheme != "https" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires an https redirect_uri")
	}
	if err := verifyResponseTypeAndScope(ctx); err != nil {
		return err
	}
	switch ctx.Client.TokenEndpointAuthMethod {
	case config.AuthMethodClientSecretBasic, config.AuthMethodClientSecretPost:
		return idp.RedirectableBadRequest(idp.ErrorCodeUnauthorizedClient,
			"FAPI Baseline forbids client_secret_basic and client_secret_post")
	}
	if ctx.Request.CodeChallengeMethod != security.PKCEMethodS256 {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires PKCE with code_challenge_method S256")
	}
	if ctx.Request.HasOpenIDScope() && ctx.Request.Nonce == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires nonce with the openid scope")
	}
	if !ctx.Request.HasOpenIDScope() && ctx.Request.State == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Baseline requires state without the openid scope")
	}
	return nil
}

// FapiAdvanceVerifier enforces FAPI 1.0 Advanced Part 2 on top of Baseline:
// a signed request object is mandatory and the client must authenticate
// with private_key_jwt or mutual TLS.
type FapiAdvanceVerifier struct {
	baseline FapiBaselineVerifier
}

func (v *FapiAdvanceVerifier) Verify(ctx *Context) error {
	if err := v.baseline.Verify(ctx); err != nil {
		return err
	}
	if ctx.Request.RequestObject == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"FAPI Advance requires a signed request object")
	}
	switch ctx.Client.TokenEndpointAuthMethod {
	case config.AuthMethodPrivateKeyJWT, config.AuthMethodTLSClientAuth, config.AuthMethodSelfSignedTLSAuth:
	default:
		return idp.RedirectableBadRequest(idp.ErrorCodeUnauthorizedClient,
			"FAPI Advance requires private_key_jwt or mutual TLS client authentication")
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func responseTypeContains(responseType, part string) bool {
	for _, v := range strings.Fields(responseType) {
		if v == part {
			return true
		}
	}
	return false
}
