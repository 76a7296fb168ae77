// Package keys manages per-tenant signing keys and every JOSE operation the
// protocol engine needs: ID token signing, JWKS derivation, and signature
// verification of client assertions and request objects.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

// allowedClientAlgs are the signature algorithms accepted for client-signed
// material (request objects, private_key_jwt assertions).
var allowedClientAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// TenantKey is one tenant's signing key material.
type TenantKey struct {
	TenantID  string
	KeyID     string
	Algorithm jose.SignatureAlgorithm
	Private   *rsa.PrivateKey
}

// Provider holds tenant signing keys. Keys are registered at startup (or on
// tenant onboarding via the control plane) and read per request.
type Provider struct {
	mu   sync.RWMutex
	keys map[string]*TenantKey // tenant ID -> key
}

// NewProvider creates an empty key provider.
func NewProvider() *Provider {
	return &Provider{keys: make(map[string]*TenantKey)}
}

// Register installs key material for a tenant, replacing any previous key.
func (p *Provider) Register(key *TenantKey) error {
	if key == nil || key.TenantID == "" || key.Private == nil {
		return fmt.Errorf("keys: incomplete tenant key")
	}
	if key.KeyID == "" {
		key.KeyID = deriveKeyID(&key.Private.PublicKey)
	}
	if key.Algorithm == "" {
		key.Algorithm = jose.RS256
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key.TenantID] = key
	return nil
}

// GenerateForTenant creates and registers a fresh RSA signing key. Intended
// for tests and single-process deployments.
func (p *Provider) GenerateForTenant(tenantID string) (*TenantKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("keys: generate RSA key: %w", err)
	}
	key := &TenantKey{TenantID: tenantID, Private: priv}
	if err := p.Register(key); err != nil {
		return nil, err
	}
	return key, nil
}

// signingKey returns the tenant's key or an error when none is registered.
func (p *Provider) signingKey(tenantID string) (*TenantKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[tenantID]
	if !ok {
		return nil, fmt.Errorf("keys: no signing key for tenant %s", tenantID)
	}
	return key, nil
}

// JWKS returns the tenant's public key set for the jwks endpoint.
func (p *Provider) JWKS(tenantID string) (*jose.JSONWebKeySet, error) {
	key, err := p.signingKey(tenantID)
	if err != nil {
		return nil, err
	}
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &key.Private.PublicKey,
			KeyID:     key.KeyID,
			Algorithm: string(key.Algorithm),
			Use:       "sig",
		}},
	}, nil
}

// Sign produces a compact JWS over claims with the tenant's key. Used for
// ID tokens; the kid header lets relying parties pick the JWKS entry.
func (p *Provider) Sign(tenantID string, claims map[string]any) (string, error) {
	key, err := p.signingKey(tenantID)
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	opts.WithHeader(jose.HeaderKey("kid"), key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: key.Algorithm, Key: key.Private}, opts)
	if err != nil {
		return "", fmt.Errorf("keys: create signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("keys: marshal claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("keys: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// VerifyClientJWT checks a client-signed compact JWS against the client's
// registered JWK Set document and returns its claims.
func VerifyClientJWT(rawJWT, clientJWKS string) (map[string]any, error) {
	if clientJWKS == "" {
		return nil, fmt.Errorf("keys: client has no registered JWKS")
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(clientJWKS), &set); err != nil {
		return nil, fmt.Errorf("keys: parse client JWKS: %w", err)
	}
	jws, err := jose.ParseSigned(rawJWT, allowedClientAlgs)
	if err != nil {
		return nil, fmt.Errorf("keys: parse JWT: %w", err)
	}

	var payload []byte
	var verified bool
	for i := range set.Keys {
		if p, err := jws.Verify(set.Keys[i]); err == nil {
			payload = p
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("keys: signature does not verify against any registered key")
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("keys: parse JWT claims: %w", err)
	}
	return claims, nil
}

// ParseRequestObject verifies and decodes a request object JWT. Size is
// bounded before any parsing to keep oversized objects cheap to reject.
// Implements request.ObjectParser.
func (p *Provider) ParseRequestObject(rawJWT, clientJWKS string, maxSize int) (map[string]any, error) {
	if maxSize > 0 && len(rawJWT) > maxSize {
		return nil, fmt.Errorf("keys: request object exceeds %d bytes", maxSize)
	}
	return VerifyClientJWT(rawJWT, clientJWKS)
}

// deriveKeyID derives a stable kid from the public modulus, RFC 7638 style.
func deriveKeyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
