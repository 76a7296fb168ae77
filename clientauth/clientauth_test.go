package clientauth

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/keys"
)

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func confidentialClient(t *testing.T, method config.ClientAuthMethod) *config.ClientConfiguration {
	return &config.ClientConfiguration{
		TenantID:                "t1",
		ClientID:                "c1",
		ClientType:              "confidential",
		ClientSecretHash:        hashSecret(t, "s3cret"),
		TokenEndpointAuthMethod: method,
	}
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	oauthErr := idp.AsError(err)
	if oauthErr == nil || oauthErr.Kind != idp.KindUnauthorized {
		t.Fatalf("error = %v, want unauthorized", err)
	}
	if oauthErr.Code != idp.ErrorCodeInvalidClient {
		t.Errorf("error code = %q, want invalid_client", oauthErr.Code)
	}
}

func TestSecretBasic(t *testing.T) {
	registry := NewRegistry()
	client := confidentialClient(t, config.AuthMethodClientSecretBasic)

	t.Run("valid secret", func(t *testing.T) {
		rc := &RequestContext{HasBasicAuth: true, BasicAuthUser: "c1", BasicAuthSecret: "s3cret", Form: url.Values{}}
		creds, err := registry.Authenticate(context.Background(), client, rc)
		if err != nil {
			t.Fatal(err)
		}
		if creds.ClientID != "c1" || creds.Method != config.AuthMethodClientSecretBasic {
			t.Errorf("creds = %+v", creds)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		rc := &RequestContext{HasBasicAuth: true, BasicAuthUser: "c1", BasicAuthSecret: "wrong", Form: url.Values{}}
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("missing header", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"c1"}}}
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("post secret not accepted for basic client", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"c1"}, "client_secret": {"s3cret"}}}
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})
}

func TestSecretPost(t *testing.T) {
	registry := NewRegistry()
	client := confidentialClient(t, config.AuthMethodClientSecretPost)

	t.Run("valid secret", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"c1"}, "client_secret": {"s3cret"}}}
		if _, err := registry.Authenticate(context.Background(), client, rc); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("client_id mismatch", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"other"}, "client_secret": {"s3cret"}}}
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})
}

func TestAmbiguousCredentialsRejected(t *testing.T) {
	registry := NewRegistry()
	client := confidentialClient(t, config.AuthMethodClientSecretBasic)
	rc := &RequestContext{
		HasBasicAuth:    true,
		BasicAuthUser:   "c1",
		BasicAuthSecret: "s3cret",
		Form:            url.Values{"client_secret": {"s3cret"}},
	}
	_, err := registry.Authenticate(context.Background(), client, rc)
	assertUnauthorized(t, err)
}

func TestNoneMethod(t *testing.T) {
	registry := NewRegistry()
	client := &config.ClientConfiguration{
		TenantID:                "t1",
		ClientID:                "c1",
		ClientType:              "public",
		TokenEndpointAuthMethod: config.AuthMethodNone,
	}

	t.Run("public client without credentials", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"c1"}}}
		creds, err := registry.Authenticate(context.Background(), client, rc)
		if err != nil {
			t.Fatal(err)
		}
		if creds.Method != config.AuthMethodNone {
			t.Errorf("Method = %s", creds.Method)
		}
	})

	t.Run("credentials on a public client rejected", func(t *testing.T) {
		rc := &RequestContext{Form: url.Values{"client_id": {"c1"}, "client_secret": {"oops"}}}
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})
}

func clientAssertion(t *testing.T, provider *keys.Provider, claims map[string]any) string {
	t.Helper()
	assertion, err := provider.Sign("c1", claims)
	if err != nil {
		t.Fatal(err)
	}
	return assertion
}

func TestPrivateKeyJWT(t *testing.T) {
	provider := keys.NewProvider()
	if _, err := provider.GenerateForTenant("c1"); err != nil {
		t.Fatal(err)
	}
	jwks, err := provider.JWKS("c1")
	if err != nil {
		t.Fatal(err)
	}
	jwksJSON, err := json.Marshal(jwks)
	if err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry()
	client := &config.ClientConfiguration{
		TenantID:                "t1",
		ClientID:                "c1",
		ClientType:              "confidential",
		TokenEndpointAuthMethod: config.AuthMethodPrivateKeyJWT,
		JWKS:                    string(jwksJSON),
	}

	validClaims := func() map[string]any {
		return map[string]any{
			"iss": "c1",
			"sub": "c1",
			"aud": "https://idp.example.com/t1/token",
			"jti": "jti-1",
			"exp": time.Now().UTC().Add(time.Minute).Unix(),
		}
	}

	requestFor := func(assertion string) *RequestContext {
		return &RequestContext{Form: url.Values{
			"client_id":             {"c1"},
			"client_assertion_type": {ClientAssertionType},
			"client_assertion":      {assertion},
		}}
	}

	t.Run("valid assertion", func(t *testing.T) {
		rc := requestFor(clientAssertion(t, provider, validClaims()))
		creds, err := registry.Authenticate(context.Background(), client, rc)
		if err != nil {
			t.Fatal(err)
		}
		if creds.Method != config.AuthMethodPrivateKeyJWT {
			t.Errorf("Method = %s", creds.Method)
		}
	})

	t.Run("wrong assertion type", func(t *testing.T) {
		rc := requestFor(clientAssertion(t, provider, validClaims()))
		rc.Form.Set("client_assertion_type", "urn:example:wrong")
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		claims := validClaims()
		claims["iss"] = "other"
		rc := requestFor(clientAssertion(t, provider, claims))
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("expired assertion", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = time.Now().UTC().Add(-time.Minute).Unix()
		rc := requestFor(clientAssertion(t, provider, claims))
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("excessive lifetime", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = time.Now().UTC().Add(time.Hour).Unix()
		rc := requestFor(clientAssertion(t, provider, claims))
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})

	t.Run("signature from an unregistered key", func(t *testing.T) {
		rogue := keys.NewProvider()
		if _, err := rogue.GenerateForTenant("c1"); err != nil {
			t.Fatal(err)
		}
		rc := requestFor(clientAssertion(t, rogue, validClaims()))
		_, err := registry.Authenticate(context.Background(), client, rc)
		assertUnauthorized(t, err)
	})
}
