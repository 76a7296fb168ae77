package request

import (
	"time"

	"github.com/openidx/idp/profile"
)

// AuthorizationRequest is one authorization attempt, immutable once built.
// It is persisted for the duration of the interaction and read again at code
// exchange; expiry sweeping removes abandoned ones.
type AuthorizationRequest struct {
	ID       string
	TenantID string

	ClientID             string
	Scopes               []string
	ResponseType         string
	RedirectURI          string
	State                string
	ResponseMode         string
	Nonce                string
	Display              string
	Prompt               string
	MaxAge               int64 // seconds; -1 when not requested
	UILocales            string
	IDTokenHint          string
	LoginHint            string
	ACRValues            []string
	Claims               string // raw claims parameter JSON
	CodeChallenge        string
	CodeChallengeMethod  string
	AuthorizationDetails string // raw RAR JSON
	Resources            []string

	// RequestObject carries the raw JWT when the request used the
	// request/request_uri pattern; empty otherwise.
	RequestObject string
	RequestURI    string

	Profile profile.AuthorizationProfile

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the request has passed its lifetime at now.
func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.UTC().After(r.ExpiresAt)
}

// HasPKCE reports whether a code challenge accompanied the request.
func (r *AuthorizationRequest) HasPKCE() bool {
	return r.CodeChallenge != ""
}

// HasOpenIDScope reports whether openid was requested.
func (r *AuthorizationRequest) HasOpenIDScope() bool {
	for _, s := range r.Scopes {
		if s == "openid" {
			return true
		}
	}
	return false
}

// PromptContains reports whether the prompt parameter includes value
// (prompt is space-delimited per OIDC Core 3.1.2.1).
func (r *AuthorizationRequest) PromptContains(value string) bool {
	for _, p := range SplitScope(r.Prompt) {
		if p == value {
			return true
		}
	}
	return false
}
