// Package profile classifies authorization requests into the security
// profile that selects the request factory and verifier chain.
package profile

import (
	"github.com/openidx/idp/config"
)

// AuthorizationProfile identifies which rule set a request is verified under.
type AuthorizationProfile string

const (
	OAuth2       AuthorizationProfile = "OAUTH2"
	OIDC         AuthorizationProfile = "OIDC"
	FapiBaseline AuthorizationProfile = "FAPI_BASELINE"
	FapiAdvance  AuthorizationProfile = "FAPI_ADVANCE"
)

// IsOIDC reports whether the profile includes OpenID Connect semantics.
// Both FAPI profiles build on OIDC.
func (p AuthorizationProfile) IsOIDC() bool {
	return p == OIDC || p == FapiBaseline || p == FapiAdvance
}

// IsFapi reports whether the profile is one of the FAPI variants.
func (p AuthorizationProfile) IsFapi() bool {
	return p == FapiBaseline || p == FapiAdvance
}

// Analyze resolves the profile for a request. It is total: any input yields
// a profile, never an error.
//
// openid in the requested scope selects OIDC over plain OAuth2; tenant-level
// FAPI scope flags then upgrade OIDC to the matching FAPI variant, Advance
// winning over Baseline when both apply.
func Analyze(serverCfg *config.ServerConfiguration, scopes []string) AuthorizationProfile {
	if !containsOpenID(scopes) {
		return OAuth2
	}
	if serverCfg != nil {
		if serverCfg.FapiAdvanceScope(scopes) {
			return FapiAdvance
		}
		if serverCfg.FapiBaselineScope(scopes) {
			return FapiBaseline
		}
	}
	return OIDC
}

func containsOpenID(scopes []string) bool {
	for _, s := range scopes {
		if s == "openid" {
			return true
		}
	}
	return false
}
