// Package config defines the per-tenant server and per-client registration
// configuration the protocol engine runs against, plus the repository
// contract used to resolve them. Management of this data (onboarding,
// registration CRUD) is a control-plane concern outside this module.
package config

import (
	"context"
	"time"
)

// TenantType distinguishes the isolation boundary a tenant belongs to.
type TenantType string

const (
	TenantTypeAdmin    TenantType = "admin"
	TenantTypePublic   TenantType = "public"
	TenantTypeBusiness TenantType = "business"
)

// Tenant is the isolation boundary every request, grant, and token is scoped
// to. Identity is immutable after onboarding; configuration is not.
type Tenant struct {
	ID     string
	Issuer string
	Type   TenantType
}

// Valid reports whether the tenant carries the minimum identity material.
func (t Tenant) Valid() bool {
	return t.ID != "" && t.Issuer != ""
}

// ClientAuthMethod enumerates token endpoint client authentication methods.
type ClientAuthMethod string

const (
	AuthMethodClientSecretBasic ClientAuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  ClientAuthMethod = "client_secret_post"
	AuthMethodPrivateKeyJWT     ClientAuthMethod = "private_key_jwt"
	AuthMethodTLSClientAuth     ClientAuthMethod = "tls_client_auth"
	AuthMethodSelfSignedTLSAuth ClientAuthMethod = "self_signed_tls_client_auth"
	AuthMethodNone              ClientAuthMethod = "none"
)

// CibaDeliveryMode selects how CIBA results reach the client.
type CibaDeliveryMode string

const (
	CibaModePoll CibaDeliveryMode = "poll"
	CibaModePing CibaDeliveryMode = "ping"
)

// ServerConfiguration is the per-tenant OIDC provider metadata and policy.
// Loaded per request through ConfigurationRepository and safe to cache.
type ServerConfiguration struct {
	TenantID string
	Issuer   string

	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	RevocationEndpoint    string
	JWKSEndpoint          string
	BackchannelEndpoint   string

	ScopesSupported                   []string
	ResponseTypesSupported            []string
	GrantTypesSupported               []string
	TokenEndpointAuthMethodsSupported []string
	ACRValuesSupported                []string
	ClaimsSupported                   []string

	// FAPI flags upgrade the OIDC profile during analysis.
	FapiBaselineScopes []string // scopes that force FAPI-Baseline handling
	FapiAdvanceScopes  []string // scopes that force FAPI-Advance handling

	// Token lifetimes in seconds. Zero means the package default.
	AuthorizationCodeTTL int64
	AccessTokenTTL       int64
	RefreshTokenTTL      int64
	IDTokenTTL           int64

	// ID token signing
	IDTokenSigningAlg string // default RS256

	// Request object policy
	RequestObjectMaxSize   int   // bytes, default 50KB
	RequestURIFetchTimeout int64 // seconds, default 10

	// CIBA settings
	CibaDeliveryModes    []CibaDeliveryMode
	CibaDefaultExpiresIn int64 // seconds, default 120
	CibaPollingInterval  int64 // seconds, default 5
	CibaUserCodeSupport  bool
}

const (
	DefaultAuthorizationCodeTTL = int64(600)
	DefaultAccessTokenTTL       = int64(3600)
	DefaultRefreshTokenTTL      = int64(86400 * 30)
	DefaultIDTokenTTL           = int64(3600)
	DefaultCibaExpiresIn        = int64(120)
	DefaultCibaInterval         = int64(5)
	DefaultRequestObjectMaxSize = 50 * 1024
	DefaultRequestURITimeout    = int64(10)
)

// ApplyDefaults fills zero-valued lifetimes and limits with package defaults.
func (c *ServerConfiguration) ApplyDefaults() {
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	if c.IDTokenSigningAlg == "" {
		c.IDTokenSigningAlg = "RS256"
	}
	if c.RequestObjectMaxSize == 0 {
		c.RequestObjectMaxSize = DefaultRequestObjectMaxSize
	}
	if c.RequestURIFetchTimeout == 0 {
		c.RequestURIFetchTimeout = DefaultRequestURITimeout
	}
	if c.CibaDefaultExpiresIn == 0 {
		c.CibaDefaultExpiresIn = DefaultCibaExpiresIn
	}
	if c.CibaPollingInterval == 0 {
		c.CibaPollingInterval = DefaultCibaInterval
	}
	if len(c.CibaDeliveryModes) == 0 {
		c.CibaDeliveryModes = []CibaDeliveryMode{CibaModePoll}
	}
}

// SupportsGrantType reports whether the tenant issues tokens for grantType.
func (c *ServerConfiguration) SupportsGrantType(grantType string) bool {
	return contains(c.GrantTypesSupported, grantType)
}

// SupportsResponseType reports whether the tenant accepts responseType.
func (c *ServerConfiguration) SupportsResponseType(responseType string) bool {
	return contains(c.ResponseTypesSupported, responseType)
}

// FapiBaselineScope reports whether any requested scope is configured as
// FAPI-Baseline protected.
func (c *ServerConfiguration) FapiBaselineScope(scopes []string) bool {
	return intersects(c.FapiBaselineScopes, scopes)
}

// FapiAdvanceScope reports whether any requested scope is configured as
// FAPI-Advance protected.
func (c *ServerConfiguration) FapiAdvanceScope(scopes []string) bool {
	return intersects(c.FapiAdvanceScopes, scopes)
}

// ClientConfiguration is one client registration within a tenant.
type ClientConfiguration struct {
	TenantID string
	ClientID string

	// ClientSecretHash is a bcrypt hash; the plaintext secret is never stored.
	ClientSecretHash string

	// ClientType is "public" or "confidential".
	ClientType string

	ClientName              string
	RedirectURIs            []string
	Scopes                  []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod ClientAuthMethod

	// JWKS holds the client's public keys (private_key_jwt, signed request
	// objects), serialized as a JWK Set document.
	JWKS string

	// TLSClientCertThumbprint is the registered SHA-256 thumbprint for
	// tls_client_auth / self_signed_tls_client_auth, base64url encoded.
	TLSClientCertThumbprint string

	// RequirePKCE forces a code_challenge on every authorization request.
	// Public clients are always treated as requiring PKCE.
	RequirePKCE bool

	// CIBA registration
	BackchannelTokenDeliveryMode    CibaDeliveryMode
	BackchannelNotificationEndpoint string
	BackchannelUserCodeParameter    bool

	CreatedAt time.Time
}

// PKCERequired reports whether this registration demands a PKCE challenge.
func (c *ClientConfiguration) PKCERequired() bool {
	return c.RequirePKCE || c.ClientType == "public"
}

// RedirectURIRegistered reports whether uri exactly matches a registered
// redirect URI. Exact string match only; no prefix or pattern logic.
func (c *ClientConfiguration) RedirectURIRegistered(uri string) bool {
	return contains(c.RedirectURIs, uri)
}

// ScopesAllowed reports whether every requested scope is registered.
func (c *ClientConfiguration) ScopesAllowed(requested []string) bool {
	for _, s := range requested {
		if !contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// SupportsGrantType reports whether the registration allows grantType.
func (c *ClientConfiguration) SupportsGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

// Repository resolves tenant-scoped configuration. Implementations live
// outside the core; lookups that miss return ErrNotFound-kinded errors from
// the call sites, never partial values.
type Repository interface {
	// Tenant resolves a tenant by ID.
	Tenant(ctx context.Context, tenantID string) (*Tenant, error)

	// Server resolves the tenant's server configuration.
	Server(ctx context.Context, tenantID string) (*ServerConfiguration, error)

	// Client resolves one client registration within the tenant.
	Client(ctx context.Context, tenantID, clientID string) (*ClientConfiguration, error)
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range b {
		if contains(a, v) {
			return true
		}
	}
	return false
}
