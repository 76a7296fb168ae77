// Package grant models the authorization a subject has consented to for a
// client, and the manager that creates grants and folds them into the
// durable per-(tenant, client, subject) consent record.
package grant

import (
	"sort"
	"time"
)

// User is the authenticated end user a grant belongs to. Identity lookups
// are delegated to external collaborators; the core only needs the stable
// subject identifier plus profile claims for ID tokens.
type User struct {
	Subject string
	Name    string
	Email   string
	// Claims carries additional profile claims keyed by OIDC claim name.
	Claims map[string]any
}

// Authentication records how and when the user authenticated.
type Authentication struct {
	Time    time.Time
	Methods []string // AMR values, e.g. "pwd", "otp"
	ACR     string
}

// SatisfiesMaxAge reports whether the authentication event is fresh enough
// for a requested max_age in seconds.
func (a Authentication) SatisfiesMaxAge(maxAge int64, now time.Time) bool {
	if maxAge < 0 {
		return true
	}
	return now.UTC().Sub(a.Time.UTC()) <= time.Duration(maxAge)*time.Second
}

// SatisfiesACR reports whether the performed ACR matches any requested
// value. An empty request is always satisfied.
func (a Authentication) SatisfiesACR(requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	for _, acr := range requested {
		if acr == a.ACR {
			return true
		}
	}
	return false
}

// AuthorizationGrant is one consent outcome: the subject, the client it was
// given to, and exactly what was consented.
type AuthorizationGrant struct {
	TenantID string
	ClientID string
	Subject  string

	User           User
	Authentication Authentication

	Scopes []string
	// Claims are the consented claim names released to the client.
	Claims []string
	// AuthorizationDetails is the raw RAR JSON consented to, if any.
	AuthorizationDetails string
	// CustomProperties carries deployment-specific grant annotations.
	CustomProperties map[string]string

	ConsentedAt time.Time
}

// HasOpenIDScope reports whether the grant includes openid.
func (g *AuthorizationGrant) HasOpenIDScope() bool {
	for _, s := range g.Scopes {
		if s == "openid" {
			return true
		}
	}
	return false
}

// AuthorizationGranted is the cumulative consent for one
// (tenant, client, subject) triple. New consents merge into it so users are
// never re-prompted for previously granted items.
type AuthorizationGranted struct {
	ID       string
	TenantID string
	ClientID string
	Subject  string

	Grant AuthorizationGrant
}

// Merge unions the incoming grant's scopes, claims and custom properties
// into the record and refreshes the consent timestamp. Union semantics make
// Merge commutative and idempotent over scope and claim sets.
func (g *AuthorizationGranted) Merge(incoming AuthorizationGrant) {
	g.Grant.Scopes = unionSorted(g.Grant.Scopes, incoming.Scopes)
	g.Grant.Claims = unionSorted(g.Grant.Claims, incoming.Claims)
	if incoming.AuthorizationDetails != "" {
		g.Grant.AuthorizationDetails = incoming.AuthorizationDetails
	}
	if len(incoming.CustomProperties) > 0 {
		if g.Grant.CustomProperties == nil {
			g.Grant.CustomProperties = make(map[string]string, len(incoming.CustomProperties))
		}
		for k, v := range incoming.CustomProperties {
			g.Grant.CustomProperties[k] = v
		}
	}
	g.Grant.User = incoming.User
	g.Grant.Authentication = incoming.Authentication
	g.Grant.ConsentedAt = incoming.ConsentedAt
}

// Replace overwrites the stored grant with the incoming one, discarding
// previously consented items.
func (g *AuthorizationGranted) Replace(incoming AuthorizationGrant) {
	g.Grant = incoming
}

// unionSorted returns the sorted set union of a and b.
func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
