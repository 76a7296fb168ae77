package token_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/keys"
	"github.com/openidx/idp/security"
	"github.com/openidx/idp/storage/memory"
	"github.com/openidx/idp/token"
)

const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type fixture struct {
	stores   *memory.Stores
	issuance *token.IssuanceService
	tenant   *config.Tenant
	server   *config.ServerConfiguration
	client   *config.ClientConfiguration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := keys.NewProvider()
	if _, err := provider.GenerateForTenant("t1"); err != nil {
		t.Fatal(err)
	}

	stores := memory.NewStores()
	idTokens := token.NewIDTokenIssuer(provider)
	auditor := security.NewAuditor(nil, false)

	issuance := token.NewIssuanceService(nil, auditor,
		token.NewAuthorizationCodeGrantService(stores.CodeGrants, stores.Tokens, idTokens, auditor),
		token.NewRefreshTokenGrantService(stores.Tokens, idTokens),
		token.NewClientCredentialsGrantService(stores.Tokens),
	)

	server := &config.ServerConfiguration{
		TenantID: "t1",
		Issuer:   "https://idp.example.com/t1",
		GrantTypesSupported: []string{
			token.GrantTypeAuthorizationCode,
			token.GrantTypeRefreshToken,
			token.GrantTypeClientCredentials,
		},
	}
	server.ApplyDefaults()

	return &fixture{
		stores:   stores,
		issuance: issuance,
		tenant:   &config.Tenant{ID: "t1"},
		server:   server,
		client: &config.ClientConfiguration{
			TenantID:   "t1",
			ClientID:   "c1",
			ClientType: "confidential",
			Scopes:     []string{"openid", "profile", "api:read"},
			GrantTypes: []string{
				token.GrantTypeAuthorizationCode,
				token.GrantTypeRefreshToken,
				token.GrantTypeClientCredentials,
			},
		},
	}
}

func (f *fixture) issueRequest(form url.Values) *token.IssueRequest {
	return &token.IssueRequest{
		Tenant: f.tenant,
		Server: f.server,
		Client: f.client,
		Form:   form,
	}
}

// registerCode stores a single-use code bound to alice's grant.
func (f *fixture) registerCode(t *testing.T, scopes []string) string {
	t.Helper()
	now := time.Now().UTC()
	codeGrant := &token.AuthorizationCodeGrant{
		TenantID: "t1",
		Code:     security.GenerateToken(),
		Grant: grant.AuthorizationGrant{
			TenantID:       "t1",
			ClientID:       "c1",
			Subject:        "alice",
			User:           grant.User{Subject: "alice"},
			Authentication: grant.Authentication{Time: now, Methods: []string{"pwd"}},
			Scopes:         scopes,
			ConsentedAt:    now,
		},
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
		RedirectURI:         "https://rp.example.com/cb",
		Nonce:               "n1",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
	if err := f.stores.CodeGrants.Register(context.Background(), codeGrant); err != nil {
		t.Fatal(err)
	}
	return codeGrant.Code
}

func exchangeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {token.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {"https://rp.example.com/cb"},
		"code_verifier": {testVerifier},
	}
}

func assertGrantError(t *testing.T, err error, code string) {
	t.Helper()
	oauthErr := idp.AsError(err)
	if oauthErr == nil || oauthErr.Code != code {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func TestAuthorizationCodeExchange(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid", "profile"})

	issued, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
	if err != nil {
		t.Fatal(err)
	}
	if issued.AccessToken == "" || issued.TokenType != "Bearer" {
		t.Errorf("token = %+v", issued)
	}
	if issued.RefreshToken == "" {
		t.Error("client registered for refresh_token must receive one")
	}
	if issued.IDToken == "" {
		t.Error("openid scope must yield an ID token")
	}
	if issued.Grant.Subject != "alice" {
		t.Errorf("Subject = %q", issued.Grant.Subject)
	}

	// The issued set is retrievable by either token value.
	if _, err := f.stores.Tokens.FindByAccessToken(context.Background(), "t1", issued.AccessToken); err != nil {
		t.Errorf("FindByAccessToken: %v", err)
	}
	if _, err := f.stores.Tokens.FindByRefreshToken(context.Background(), "t1", issued.RefreshToken); err != nil {
		t.Errorf("FindByRefreshToken: %v", err)
	}
}

func TestAuthorizationCodeReplay(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid"})

	if _, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code))); err != nil {
		t.Fatal(err)
	}
	_, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
	assertGrantError(t, err, idp.ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeSingleWinner(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid"})

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent exchanges produced %d winners, want exactly 1", wins)
	}
}

func TestAuthorizationCodeValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"wrong verifier", func(form url.Values) { form.Set("code_verifier", "wrong-verifier-wrong-verifier-wrong-verifier") }},
		{"missing verifier", func(form url.Values) { form.Del("code_verifier") }},
		{"redirect mismatch", func(form url.Values) { form.Set("redirect_uri", "https://evil.example.com/cb") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			code := f.registerCode(t, []string{"openid"})
			form := exchangeForm(code)
			tt.mutate(form)

			_, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
			assertGrantError(t, err, idp.ErrorCodeInvalidGrant)

			// Validation failure burns the code.
			_, err = f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
			assertGrantError(t, err, idp.ErrorCodeInvalidGrant)
		})
	}
}

func TestAuthorizationCodeClientBinding(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid"})

	other := *f.client
	other.ClientID = "c2"
	req := f.issueRequest(exchangeForm(code))
	req.Client = &other

	_, err := f.issuance.Issue(context.Background(), req)
	assertGrantError(t, err, idp.ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeOmittedChallengeMethodIsPlain(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	codeGrant := &token.AuthorizationCodeGrant{
		TenantID: "t1",
		Code:     security.GenerateToken(),
		Grant: grant.AuthorizationGrant{
			TenantID: "t1", ClientID: "c1", Subject: "alice",
			User:           grant.User{Subject: "alice"},
			Authentication: grant.Authentication{Time: now, Methods: []string{"pwd"}},
			Scopes:         []string{"openid"},
			ConsentedAt:    now,
		},
		CodeChallenge: testVerifier,
		RedirectURI:   "https://rp.example.com/cb",
		CreatedAt:     now,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
	if err := f.stores.CodeGrants.Register(context.Background(), codeGrant); err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"grant_type":    {token.GrantTypeAuthorizationCode},
		"code":          {codeGrant.Code},
		"redirect_uri":  {"https://rp.example.com/cb"},
		"code_verifier": {testVerifier},
	}
	issued, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.AccessToken == "" {
		t.Error("no access token issued")
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	codeGrant := &token.AuthorizationCodeGrant{
		TenantID:  "t1",
		Code:      security.GenerateToken(),
		Grant:     grant.AuthorizationGrant{TenantID: "t1", ClientID: "c1", Subject: "alice", Scopes: []string{"openid"}},
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-50 * time.Minute),
	}
	if err := f.stores.CodeGrants.Register(context.Background(), codeGrant); err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"grant_type": {token.GrantTypeAuthorizationCode},
		"code":       {codeGrant.Code},
	}
	_, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
	assertGrantError(t, err, idp.ErrorCodeInvalidGrant)
}

func refreshForm(refreshToken string) url.Values {
	return url.Values{
		"grant_type":    {token.GrantTypeRefreshToken},
		"refresh_token": {refreshToken},
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid", "profile"})
	first, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.issuance.Issue(context.Background(), f.issueRequest(refreshForm(first.RefreshToken)))
	if err != nil {
		t.Fatal(err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Error("rotation must mint a fresh refresh token")
	}
	if second.Grant.Subject != "alice" {
		t.Errorf("Subject = %q, want carried over", second.Grant.Subject)
	}

	// The prior set is gone.
	_, err = f.issuance.Issue(context.Background(), f.issueRequest(refreshForm(first.RefreshToken)))
	assertGrantError(t, err, idp.ErrorCodeInvalidGrant)
	if _, err := f.stores.Tokens.FindByAccessToken(context.Background(), "t1", first.AccessToken); err == nil {
		t.Error("rotated-away access token still resolvable")
	}
}

func TestRefreshRotationSingleWinner(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid"})
	first, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
	if err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuance.Issue(context.Background(), f.issueRequest(refreshForm(first.RefreshToken)))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent rotations produced %d winners, want exactly 1", wins)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, []string{"openid", "profile"})
	first, err := f.issuance.Issue(context.Background(), f.issueRequest(exchangeForm(code)))
	if err != nil {
		t.Fatal(err)
	}

	form := refreshForm(first.RefreshToken)
	form.Set("scope", "openid")
	narrowed, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
	if err != nil {
		t.Fatal(err)
	}
	if len(narrowed.Grant.Scopes) != 1 || narrowed.Grant.Scopes[0] != "openid" {
		t.Errorf("Scopes = %v, want narrowed to openid", narrowed.Grant.Scopes)
	}

	// Widening beyond the original grant is rejected.
	form = refreshForm(narrowed.RefreshToken)
	form.Set("scope", "openid profile api:read")
	_, err = f.issuance.Issue(context.Background(), f.issueRequest(form))
	assertGrantError(t, err, idp.ErrorCodeInvalidScope)
}

func TestClientCredentials(t *testing.T) {
	f := newFixture(t)

	form := url.Values{
		"grant_type": {token.GrantTypeClientCredentials},
		"scope":      {"api:read"},
	}
	issued, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
	if err != nil {
		t.Fatal(err)
	}
	if issued.Grant.Subject != "c1" {
		t.Errorf("Subject = %q, want the client itself", issued.Grant.Subject)
	}
	if issued.RefreshToken != "" {
		t.Error("client_credentials must not yield a refresh token")
	}
	if issued.IDToken != "" {
		t.Error("client_credentials must not yield an ID token")
	}

	form.Set("scope", "api:admin")
	_, err = f.issuance.Issue(context.Background(), f.issueRequest(form))
	assertGrantError(t, err, idp.ErrorCodeInvalidScope)
}

func TestIssueDispatchErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("missing grant_type", func(t *testing.T) {
		_, err := f.issuance.Issue(context.Background(), f.issueRequest(url.Values{}))
		assertGrantError(t, err, idp.ErrorCodeInvalidRequest)
	})

	t.Run("unsupported grant_type", func(t *testing.T) {
		form := url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"}}
		_, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
		assertGrantError(t, err, idp.ErrorCodeUnsupportedGrantType)
	})

	t.Run("client not registered for grant_type", func(t *testing.T) {
		restricted := *f.client
		restricted.GrantTypes = []string{token.GrantTypeAuthorizationCode}
		req := f.issueRequest(url.Values{"grant_type": {token.GrantTypeClientCredentials}})
		req.Client = &restricted
		_, err := f.issuance.Issue(context.Background(), req)
		assertGrantError(t, err, idp.ErrorCodeUnauthorizedClient)
	})

	t.Run("missing required parameter", func(t *testing.T) {
		form := url.Values{"grant_type": {token.GrantTypeAuthorizationCode}}
		_, err := f.issuance.Issue(context.Background(), f.issueRequest(form))
		assertGrantError(t, err, idp.ErrorCodeInvalidRequest)
	})
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t)
	svc := token.NewIntrospectionService(f.stores.Tokens)
	ctx := context.Background()

	code := f.registerCode(t, []string{"openid", "profile"})
	issued, err := f.issuance.Issue(ctx, f.issueRequest(exchangeForm(code)))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("active access token", func(t *testing.T) {
		resp, err := svc.Introspect(ctx, "t1", f.server.Issuer, issued.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if !resp.Active || resp.Subject != "alice" || resp.ClientID != "c1" {
			t.Errorf("response = %+v", resp)
		}
		if resp.Scope != "openid profile" {
			t.Errorf("Scope = %q", resp.Scope)
		}
		if resp.Issuer != f.server.Issuer {
			t.Errorf("Issuer = %q", resp.Issuer)
		}
	})

	t.Run("active refresh token", func(t *testing.T) {
		resp, err := svc.Introspect(ctx, "t1", f.server.Issuer, issued.RefreshToken)
		if err != nil {
			t.Fatal(err)
		}
		if !resp.Active {
			t.Error("refresh token reported inactive")
		}
	})

	t.Run("unknown token is inactive, not an error", func(t *testing.T) {
		resp, err := svc.Introspect(ctx, "t1", f.server.Issuer, "nonexistent")
		if err != nil {
			t.Fatal(err)
		}
		if resp.Active {
			t.Error("unknown token reported active")
		}
		if resp.Subject != "" || resp.Scope != "" {
			t.Errorf("inactive response leaks fields: %+v", resp)
		}
	})

	t.Run("wrong tenant is inactive", func(t *testing.T) {
		resp, err := svc.Introspect(ctx, "t2", f.server.Issuer, issued.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Active {
			t.Error("token leaked across tenants")
		}
	})

	t.Run("missing token parameter", func(t *testing.T) {
		_, err := svc.Introspect(ctx, "t1", f.server.Issuer, "")
		assertGrantError(t, err, idp.ErrorCodeInvalidRequest)
	})
}

// failingTokenRepo simulates a storage backend outage.
type failingTokenRepo struct{}

func (failingTokenRepo) Register(ctx context.Context, t *token.OAuthToken) error { return nil }
func (failingTokenRepo) FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*token.OAuthToken, error) {
	return nil, errors.New("connection refused")
}
func (failingTokenRepo) FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	return nil, errors.New("connection refused")
}
func (failingTokenRepo) ConsumeRefreshToken(ctx context.Context, tenantID, refreshToken string) (*token.OAuthToken, error) {
	return nil, errors.New("connection refused")
}
func (failingTokenRepo) Delete(ctx context.Context, tenantID, tokenID string) error { return nil }
func (failingTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func TestIntrospectionStorageFailurePropagates(t *testing.T) {
	svc := token.NewIntrospectionService(failingTokenRepo{})

	_, err := svc.Introspect(context.Background(), "t1", "https://idp.example.com/t1", "some-token")
	oauthErr := idp.AsError(err)
	if oauthErr == nil || oauthErr.Kind != idp.KindServerError {
		t.Fatalf("Introspect() error = %v, want server error, never active:false", err)
	}
}

func TestRevocation(t *testing.T) {
	f := newFixture(t)
	svc := token.NewRevocationService(f.stores.Tokens, security.NewAuditor(nil, false), nil)
	introspect := token.NewIntrospectionService(f.stores.Tokens)
	ctx := context.Background()

	t.Run("unknown token succeeds silently", func(t *testing.T) {
		if err := svc.Revoke(ctx, "t1", "nonexistent"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("revoking the refresh token kills the whole set", func(t *testing.T) {
		code := f.registerCode(t, []string{"openid"})
		issued, err := f.issuance.Issue(ctx, f.issueRequest(exchangeForm(code)))
		if err != nil {
			t.Fatal(err)
		}

		if err := svc.Revoke(ctx, "t1", issued.RefreshToken); err != nil {
			t.Fatal(err)
		}
		resp, err := introspect.Introspect(ctx, "t1", f.server.Issuer, issued.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Active {
			t.Error("access token survived refresh-token revocation")
		}

		// Revoking again is still a success.
		if err := svc.Revoke(ctx, "t1", issued.RefreshToken); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("missing token parameter", func(t *testing.T) {
		err := svc.Revoke(ctx, "t1", "")
		assertGrantError(t, err, idp.ErrorCodeInvalidRequest)
	})
}
