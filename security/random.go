// Package security provides the cross-cutting security primitives of the
// authorization server: random token generation, PKCE challenge math,
// certificate thumbprints, clock-skew-aware expiry checks, per-identifier
// rate limiting, and audit logging.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// tokenEntropyBytes is the entropy for generated codes and tokens.
// 32 bytes gives 256 bits, beyond the 160-bit minimum of RFC 6749 10.10.
const tokenEntropyBytes = 32

// GenerateToken returns a URL-safe random string for authorization codes,
// access tokens, refresh tokens, and auth_req_id values.
func GenerateToken() string {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken; no secure
		// fallback exists.
		panic("security: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ConstantTimeEqual compares two credential strings without leaking the
// position of the first difference.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
