package verifier

import (
	"strings"
	"testing"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/profile"
	"github.com/openidx/idp/request"
)

const testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

func baseClient() *config.ClientConfiguration {
	return &config.ClientConfiguration{
		TenantID:      "t1",
		ClientID:      "c1",
		ClientType:    "confidential",
		RedirectURIs:  []string{"https://rp.example.com/cb"},
		Scopes:        []string{"openid", "profile", "payments"},
		ResponseTypes: []string{"code", "code id_token"},
	}
}

func baseServer() *config.ServerConfiguration {
	return &config.ServerConfiguration{
		TenantID:               "t1",
		ResponseTypesSupported: []string{"code", "code id_token"},
	}
}

func baseRequest(p profile.AuthorizationProfile) *request.AuthorizationRequest {
	return &request.AuthorizationRequest{
		ID:           "req-1",
		TenantID:     "t1",
		ClientID:     "c1",
		ResponseType: "code",
		RedirectURI:  "https://rp.example.com/cb",
		Scopes:       []string{"openid"},
		Nonce:        "n1",
		State:        "s1",
		Profile:      p,
	}
}

func testContext(p profile.AuthorizationProfile) *Context {
	return &Context{Request: baseRequest(p), Server: baseServer(), Client: baseClient()}
}

func assertErrorCode(t *testing.T, err error, code string, redirectable bool) {
	t.Helper()
	oauthErr := idp.AsError(err)
	if oauthErr == nil {
		t.Fatalf("error = %v, want *idp.Error with code %s", err, code)
	}
	if oauthErr.Code != code {
		t.Errorf("error code = %q, want %q (%s)", oauthErr.Code, code, oauthErr.Description)
	}
	if oauthErr.Redirectable() != redirectable {
		t.Errorf("Redirectable() = %v, want %v", oauthErr.Redirectable(), redirectable)
	}
}

func TestOAuth2Verifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("valid request passes", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("omitted redirect_uri with one registered URI", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		ctx.Request.RedirectURI = ""
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.Request.RedirectURI != "https://rp.example.com/cb" {
			t.Errorf("RedirectURI = %q, want registered default", ctx.Request.RedirectURI)
		}
	})

	t.Run("omitted redirect_uri with multiple registered URIs", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		ctx.Request.RedirectURI = ""
		ctx.Client.RedirectURIs = append(ctx.Client.RedirectURIs, "https://rp.example.com/cb2")
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, false)
	})

	t.Run("unregistered redirect_uri is never redirectable", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		ctx.Request.RedirectURI = "https://evil.example.com/cb"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, false)
	})

	t.Run("unsupported response_type is redirectable", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		ctx.Request.ResponseType = "token"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeUnsupportedResponseType, true)
	})

	t.Run("scope outside registration is redirectable", func(t *testing.T) {
		ctx := testContext(profile.OAuth2)
		ctx.Request.Scopes = []string{"openid", "admin"}
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidScope, true)
	})
}

func TestOidcVerifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("redirect_uri mandatory", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.RedirectURI = ""
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, false)
	})

	t.Run("nonce required with id_token response type", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.ResponseType = "code id_token"
		ctx.Request.Nonce = ""
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("code flow without nonce passes", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.Nonce = ""
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
	})
}

func fapiContext(p profile.AuthorizationProfile) *Context {
	ctx := testContext(p)
	ctx.Client.TokenEndpointAuthMethod = config.AuthMethodPrivateKeyJWT
	ctx.Request.Scopes = []string{"openid", "payments"}
	ctx.Request.CodeChallenge = testChallenge
	ctx.Request.CodeChallengeMethod = "S256"
	ctx.Request.RequestObject = "signed-object"
	return ctx
}

func TestFapiBaselineVerifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("compliant request passes", func(t *testing.T) {
		if err := registry.Verify(fapiContext(profile.FapiBaseline)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("http redirect_uri rejected", func(t *testing.T) {
		ctx := fapiContext(profile.FapiBaseline)
		ctx.Client.RedirectURIs = []string{"http://rp.example.com/cb"}
		ctx.Request.RedirectURI = "http://rp.example.com/cb"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("client_secret_basic forbidden", func(t *testing.T) {
		ctx := fapiContext(profile.FapiBaseline)
		ctx.Client.TokenEndpointAuthMethod = config.AuthMethodClientSecretBasic
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeUnauthorizedClient, true)
	})

	t.Run("plain PKCE rejected", func(t *testing.T) {
		ctx := fapiContext(profile.FapiBaseline)
		ctx.Request.CodeChallengeMethod = "plain"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("missing nonce with openid scope", func(t *testing.T) {
		ctx := fapiContext(profile.FapiBaseline)
		ctx.Request.Nonce = ""
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("missing state without openid scope", func(t *testing.T) {
		ctx := fapiContext(profile.FapiBaseline)
		ctx.Request.Scopes = []string{"payments"}
		ctx.Request.State = ""
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})
}

func TestFapiAdvanceVerifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("compliant request passes", func(t *testing.T) {
		if err := registry.Verify(fapiContext(profile.FapiAdvance)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("missing request object rejected", func(t *testing.T) {
		ctx := fapiContext(profile.FapiAdvance)
		ctx.Request.RequestObject = ""
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("shared secret authentication rejected", func(t *testing.T) {
		ctx := fapiContext(profile.FapiAdvance)
		ctx.Client.TokenEndpointAuthMethod = config.AuthMethodNone
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeUnauthorizedClient, true)
	})

	t.Run("mutual TLS authentication accepted", func(t *testing.T) {
		ctx := fapiContext(profile.FapiAdvance)
		ctx.Client.TokenEndpointAuthMethod = config.AuthMethodTLSClientAuth
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
	})
}

func TestPkceVerifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("public client without challenge rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Client.ClientType = "public"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("confidential client without challenge passes", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("unknown method rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.CodeChallenge = testChallenge
		ctx.Request.CodeChallengeMethod = "S512"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("short challenge rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.CodeChallenge = "too-short"
		ctx.Request.CodeChallengeMethod = "S256"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("overlong challenge rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.CodeChallenge = strings.Repeat("a", 129)
		ctx.Request.CodeChallengeMethod = "S256"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequest, true)
	})

	t.Run("omitted method defaults to plain", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.CodeChallenge = strings.Repeat("v", 43)
		if err := registry.Verify(ctx); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRequestObjectVerifier(t *testing.T) {
	registry := NewRegistry()

	t.Run("client_id mismatch rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.RequestObject = "signed-object"
		ctx.Request.ClientID = "other"
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequestObject, true)
	})

	t.Run("dropped openid scope rejected", func(t *testing.T) {
		ctx := testContext(profile.OIDC)
		ctx.Request.RequestObject = "signed-object"
		ctx.Request.Scopes = []string{"profile"}
		err := registry.Verify(ctx)
		assertErrorCode(t, err, idp.ErrorCodeInvalidRequestObject, true)
	})
}

func TestRegistryUnknownProfile(t *testing.T) {
	registry := NewRegistry()
	ctx := testContext(profile.AuthorizationProfile("BOGUS"))
	err := registry.Verify(ctx)
	oauthErr := idp.AsError(err)
	if oauthErr == nil || oauthErr.Kind != idp.KindServerError {
		t.Fatalf("Verify() error = %v, want server error", err)
	}
}
