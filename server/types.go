package server

import (
	"strings"

	"github.com/openidx/idp/config"
	"github.com/openidx/idp/token"
)

// TokenResponse is the RFC 6749 token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func newTokenResponse(t *token.OAuthToken, accessTokenTTL int64) *TokenResponse {
	return &TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    accessTokenTTL,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		Scope:        strings.Join(t.Grant.Scopes, " "),
	}
}

// ErrorResponse is the RFC 6749 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// BackchannelAuthenticationResponse is the CIBA authentication endpoint
// success body.
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// PushedAuthorizationResponse is the PAR endpoint success body.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// AuthorizeResult is the outcome of processing an authorization request.
// Exactly one of RedirectURI or InteractionRequired is meaningful.
type AuthorizeResult struct {
	// RedirectURI sends the user agent back to the client, carrying
	// either the authorization response or a redirectable error.
	RedirectURI string

	// Fragment reports whether response parameters traveled in the URI
	// fragment.
	Fragment bool

	// InteractionRequired means the interaction layer must authenticate
	// the user or gather consent before ApproveAuthorization can finish
	// the flow identified by RequestID.
	InteractionRequired bool
	RequestID           string
	// Stage is the pending interaction step: "login" or "consent".
	Stage string
}

// ServerMetadata is the OpenID Provider configuration document served at
// /.well-known/openid-configuration.
type ServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	IntrospectionEndpoint                  string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                     string   `json:"revocation_endpoint,omitempty"`
	JWKSUri                                string   `json:"jwks_uri"`
	BackchannelAuthenticationEndpoint      string   `json:"backchannel_authentication_endpoint,omitempty"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ACRValuesSupported                     []string `json:"acr_values_supported,omitempty"`
	ClaimsSupported                        []string `json:"claims_supported,omitempty"`
	SubjectTypesSupported                  []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported       []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
	RequestParameterSupported              bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported           bool     `json:"request_uri_parameter_supported"`
	TLSClientCertificateBoundAccessTokens  bool     `json:"tls_client_certificate_bound_access_tokens,omitempty"`
}

func metadataFor(cfg *config.ServerConfiguration) *ServerMetadata {
	md := &ServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint,
		TokenEndpoint:                     cfg.TokenEndpoint,
		IntrospectionEndpoint:             cfg.IntrospectionEndpoint,
		RevocationEndpoint:                cfg.RevocationEndpoint,
		JWKSUri:                           cfg.JWKSEndpoint,
		BackchannelAuthenticationEndpoint: cfg.BackchannelEndpoint,
		ScopesSupported:                   cfg.ScopesSupported,
		ResponseTypesSupported:            cfg.ResponseTypesSupported,
		GrantTypesSupported:               cfg.GrantTypesSupported,
		TokenEndpointAuthMethodsSupported: cfg.TokenEndpointAuthMethodsSupported,
		ACRValuesSupported:                cfg.ACRValuesSupported,
		ClaimsSupported:                   cfg.ClaimsSupported,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{cfg.IDTokenSigningAlg},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		RequestParameterSupported:         true,
		RequestURIParameterSupported:      true,
	}
	for _, mode := range cfg.CibaDeliveryModes {
		md.BackchannelTokenDeliveryModesSupported = append(md.BackchannelTokenDeliveryModesSupported, string(mode))
	}
	md.BackchannelUserCodeParameterSupported = cfg.CibaUserCodeSupport
	return md
}
