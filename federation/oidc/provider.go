package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
)

// Identity is the authenticated end user as asserted by the upstream
// provider's ID token.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	AuthTime      time.Time
}

// ProviderConfig configures one upstream provider for a tenant.
type ProviderConfig struct {
	// IssuerURL is the upstream issuer; endpoints come from discovery.
	IssuerURL string

	ClientID     string
	ClientSecret string

	// RedirectURL is this server's callback endpoint for the tenant.
	RedirectURL string

	// Scopes defaults to "openid profile email".
	Scopes []string
}

var defaultScopes = []string{"openid", "profile", "email"}

// signatureAlgorithms accepted on upstream ID tokens.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// Provider brokers the authorization code exchange with one upstream
// OpenID Connect provider and verifies the resulting ID token against
// the provider's published keys. Safe for concurrent use.
type Provider struct {
	cfg        ProviderConfig
	discovery  *DiscoveryClient
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	oauthCfg *oauth2.Config
	jwks     *jose.JSONWebKeySet
	jwksAt   time.Time
}

// jwksCacheTTL bounds how long upstream signing keys are reused.
const jwksCacheTTL = 1 * time.Hour

// NewProvider creates a provider. Endpoints are resolved lazily on first
// use so construction never blocks on the network.
func NewProvider(cfg ProviderConfig, discovery *DiscoveryClient, httpClient *http.Client, logger *slog.Logger) *Provider {
	if discovery == nil {
		discovery = NewDiscoveryClient(httpClient, 0, logger)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}
	return &Provider{cfg: cfg, discovery: discovery, httpClient: httpClient, logger: logger}
}

// AuthorizationURL builds the upstream authorization redirect carrying
// state, nonce and an S256 PKCE challenge.
func (p *Provider) AuthorizationURL(ctx context.Context, state, nonce, codeChallenge string) (string, error) {
	oc, err := p.oauthConfig(ctx)
	if err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return oc.AuthCodeURL(state, opts...), nil
}

// Exchange redeems the upstream authorization code and verifies the ID
// token it returned, checking issuer, audience, expiry and nonce.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier, nonce string) (*Identity, *oauth2.Token, error) {
	oc, err := p.oauthConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := oc.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, nil, fmt.Errorf("upstream token response has no id_token")
	}

	identity, err := p.verifyIDToken(ctx, rawIDToken, nonce)
	if err != nil {
		return nil, nil, err
	}
	return identity, tok, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, rawIDToken, nonce string) (*Identity, error) {
	parsed, err := jwt.ParseSigned(rawIDToken, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}

	keys, err := p.signingKeys(ctx)
	if err != nil {
		return nil, err
	}

	var claims struct {
		Issuer        string           `json:"iss"`
		Subject       string           `json:"sub"`
		Audience      jwt.Audience     `json:"aud"`
		Expiry        *jwt.NumericDate `json:"exp"`
		Nonce         string           `json:"nonce"`
		AuthTime      *jwt.NumericDate `json:"auth_time"`
		Email         string           `json:"email"`
		EmailVerified bool             `json:"email_verified"`
		Name          string           `json:"name"`
	}
	if err := parsed.Claims(keys, &claims); err != nil {
		return nil, fmt.Errorf("id_token signature verification failed: %w", err)
	}

	if claims.Issuer != p.cfg.IssuerURL {
		return nil, fmt.Errorf("id_token issuer mismatch")
	}
	if !claims.Audience.Contains(p.cfg.ClientID) {
		return nil, fmt.Errorf("id_token audience mismatch")
	}
	if claims.Expiry == nil || time.Now().After(claims.Expiry.Time()) {
		return nil, fmt.Errorf("id_token expired")
	}
	if nonce != "" && claims.Nonce != nonce {
		return nil, fmt.Errorf("id_token nonce mismatch")
	}

	identity := &Identity{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}
	if claims.AuthTime != nil {
		identity.AuthTime = claims.AuthTime.Time().UTC()
	}
	return identity, nil
}

func (p *Provider) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.oauthCfg != nil {
		return p.oauthCfg, nil
	}

	doc, err := p.discovery.Discover(ctx, p.cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	p.oauthCfg = &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
	return p.oauthCfg, nil
}

func (p *Provider) signingKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jwks != nil && time.Since(p.jwksAt) < jwksCacheTTL {
		return p.jwks, nil
	}

	doc, err := p.discovery.Discover(ctx, p.cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSUri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch upstream jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed with status %d", resp.StatusCode)
	}

	var keys jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to decode upstream jwks: %w", err)
	}

	p.jwks = &keys
	p.jwksAt = time.Now()
	return p.jwks, nil
}
