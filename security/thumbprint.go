package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
)

// CertThumbprintS256 computes the base64url SHA-256 thumbprint of a DER
// certificate (the x5t#S256 confirmation value of RFC 8705).
func CertThumbprintS256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MatchCertThumbprint compares a presented certificate against a registered
// thumbprint in constant time.
func MatchCertThumbprint(cert *x509.Certificate, registered string) bool {
	if cert == nil || registered == "" {
		return false
	}
	return ConstantTimeEqual(CertThumbprintS256(cert), registered)
}
