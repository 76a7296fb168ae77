package keys

import (
	"encoding/json"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
)

func TestRegisterDerivesDefaults(t *testing.T) {
	p := NewProvider()
	key, err := p.GenerateForTenant("t1")
	if err != nil {
		t.Fatalf("GenerateForTenant() error = %v", err)
	}
	if key.KeyID == "" {
		t.Error("key ID should be derived")
	}
	if key.Algorithm != jose.RS256 {
		t.Errorf("algorithm = %s, want RS256", key.Algorithm)
	}

	if err := p.Register(nil); err == nil {
		t.Error("Register(nil) expected error")
	}
	if err := p.Register(&TenantKey{TenantID: "t2"}); err == nil {
		t.Error("Register() without key material expected error")
	}
}

func TestJWKSExposesPublicKeyOnly(t *testing.T) {
	p := NewProvider()
	key, err := p.GenerateForTenant("t1")
	if err != nil {
		t.Fatal(err)
	}

	set, err := p.JWKS("t1")
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(set.Keys))
	}
	jwk := set.Keys[0]
	if jwk.KeyID != key.KeyID || jwk.Use != "sig" {
		t.Errorf("jwk = %+v", jwk)
	}
	raw, err := json.Marshal(jwk)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"d"`) {
		t.Error("JWKS leaks private key material")
	}

	if _, err := p.JWKS("unknown"); err == nil {
		t.Error("JWKS() for unknown tenant expected error")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	p := NewProvider()
	if _, err := p.GenerateForTenant("t1"); err != nil {
		t.Fatal(err)
	}

	raw, err := p.Sign("t1", map[string]any{"sub": "alice", "iss": "https://idp.example.com/t1"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if strings.Count(raw, ".") != 2 {
		t.Fatalf("not a compact JWS: %q", raw)
	}

	set, err := p.JWKS("t1")
	if err != nil {
		t.Fatal(err)
	}
	jwksJSON, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := VerifyClientJWT(raw, string(jwksJSON))
	if err != nil {
		t.Fatalf("VerifyClientJWT() error = %v", err)
	}
	if claims["sub"] != "alice" {
		t.Errorf("claims = %v", claims)
	}

	if _, err := p.Sign("unknown", nil); err == nil {
		t.Error("Sign() for unknown tenant expected error")
	}
}

func TestVerifyClientJWTRejectsForeignKey(t *testing.T) {
	signing := NewProvider()
	if _, err := signing.GenerateForTenant("t1"); err != nil {
		t.Fatal(err)
	}
	other := NewProvider()
	if _, err := other.GenerateForTenant("t1"); err != nil {
		t.Fatal(err)
	}

	raw, err := signing.Sign("t1", map[string]any{"sub": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	set, _ := other.JWKS("t1")
	jwksJSON, _ := json.Marshal(set)

	if _, err := VerifyClientJWT(raw, string(jwksJSON)); err == nil {
		t.Error("expected signature verification failure")
	}
	if _, err := VerifyClientJWT(raw, ""); err == nil {
		t.Error("expected error for empty JWKS")
	}
	if _, err := VerifyClientJWT("not-a-jwt", string(jwksJSON)); err == nil {
		t.Error("expected parse failure")
	}
}

func TestParseRequestObjectSizeBound(t *testing.T) {
	p := NewProvider()
	if _, err := p.GenerateForTenant("t1"); err != nil {
		t.Fatal(err)
	}
	raw, err := p.Sign("t1", map[string]any{"client_id": "c1"})
	if err != nil {
		t.Fatal(err)
	}
	set, _ := p.JWKS("t1")
	jwksJSON, _ := json.Marshal(set)

	if _, err := p.ParseRequestObject(raw, string(jwksJSON), len(raw)); err != nil {
		t.Errorf("at the bound: %v", err)
	}
	if _, err := p.ParseRequestObject(raw, string(jwksJSON), len(raw)-1); err == nil {
		t.Error("oversized object should be rejected before parsing")
	}
}
