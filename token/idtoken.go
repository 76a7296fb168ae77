package token

import (
	"time"

	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/keys"
)

// IDTokenIssuer signs OIDC ID tokens with the tenant's key.
type IDTokenIssuer struct {
	keys *keys.Provider
}

// NewIDTokenIssuer creates an ID token issuer over the key provider.
func NewIDTokenIssuer(provider *keys.Provider) *IDTokenIssuer {
	return &IDTokenIssuer{keys: provider}
}

// Issue builds and signs the ID token for a grant. nonce is carried through
// from the authorization request when present.
func (i *IDTokenIssuer) Issue(serverCfg *config.ServerConfiguration, g grant.AuthorizationGrant, nonce string) (string, error) {
	now := time.Now().UTC()
	claims := map[string]any{
		"iss":       serverCfg.Issuer,
		"sub":       g.Subject,
		"aud":       g.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(time.Duration(serverCfg.IDTokenTTL) * time.Second).Unix(),
		"auth_time": g.Authentication.Time.UTC().Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if g.Authentication.ACR != "" {
		claims["acr"] = g.Authentication.ACR
	}
	if len(g.Authentication.Methods) > 0 {
		claims["amr"] = g.Authentication.Methods
	}
	for _, name := range g.Claims {
		if v, ok := g.User.Claims[name]; ok {
			claims[name] = v
		}
	}
	if g.User.Name != "" && consented(g.Claims, "name") {
		claims["name"] = g.User.Name
	}
	if g.User.Email != "" && consented(g.Claims, "email") {
		claims["email"] = g.User.Email
	}
	return i.keys.Sign(g.TenantID, claims)
}

func consented(claims []string, name string) bool {
	for _, c := range claims {
		if c == name {
			return true
		}
	}
	return false
}
