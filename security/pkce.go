package security

import (
	"crypto/sha256"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// CalculateS256 computes BASE64URL(SHA256(verifier)) per RFC 7636 4.2.
func CalculateS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code_verifier against the stored challenge. S256
// hashes the verifier before comparing; plain compares directly. An empty
// method means the client omitted code_challenge_method, which defaults
// to plain per RFC 7636 4.3. Both comparisons are constant-time.
func VerifyPKCE(storedChallenge, method, verifier string) bool {
	switch method {
	case PKCEMethodPlain, "":
		return ConstantTimeEqual(storedChallenge, verifier)
	case PKCEMethodS256:
		return ConstantTimeEqual(storedChallenge, CalculateS256(verifier))
	default:
		return false
	}
}

// ValidPKCEMethod reports whether method is a recognized challenge method.
func ValidPKCEMethod(method string) bool {
	return method == PKCEMethodS256 || method == PKCEMethodPlain
}
