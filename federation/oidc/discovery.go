// Package oidc federates end-user authentication to an upstream OpenID
// Connect provider. A tenant configured for SSO delegates login to the
// upstream issuer; the resulting identity feeds the local session layer.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DiscoveryDocument holds the upstream provider metadata from its
// well-known endpoint.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint"`
	JWKSUri                       string   `json:"jwks_uri"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches upstream discovery documents. All
// discovered endpoints must use HTTPS. Safe for concurrent use.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      sync.Map // issuer URL -> *cachedDocument
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// DefaultDiscoveryCacheTTL bounds how long a discovery document is reused.
const DefaultDiscoveryCacheTTL = 1 * time.Hour

// NewDiscoveryClient creates a discovery client. A nil httpClient uses a
// default with a 10 second timeout; a zero cacheTTL uses the default.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultDiscoveryCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{httpClient: httpClient, cacheTTL: cacheTTL, logger: logger}
}

// Discover fetches the provider metadata for issuerURL, serving from
// cache when fresh.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if err := validateIssuerURL(issuerURL); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if time.Since(doc.fetchedAt) < c.cacheTTL {
			return doc.document, nil
		}
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery failed with status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.cache.Store(issuerURL, &cachedDocument{document: &doc, fetchedAt: time.Now()})

	c.logger.Debug("upstream discovery successful",
		"issuer", issuerURL,
		"token_endpoint", doc.TokenEndpoint)

	return &doc, nil
}

// ClearCache drops all cached documents.
func (c *DiscoveryClient) ClearCache() {
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}

func validateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("issuer must use https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer has no host")
	}
	return nil
}

// Credentials leak through any non-TLS endpoint, so every endpoint in
// the document is checked, not just the ones this package calls.
func validateDocument(doc *DiscoveryDocument) error {
	endpoints := []struct {
		name     string
		value    string
		required bool
	}{
		{"issuer", doc.Issuer, true},
		{"authorization_endpoint", doc.AuthorizationEndpoint, true},
		{"token_endpoint", doc.TokenEndpoint, true},
		{"jwks_uri", doc.JWKSUri, true},
		{"userinfo_endpoint", doc.UserInfoEndpoint, false},
	}

	for _, ep := range endpoints {
		if ep.value == "" {
			if ep.required {
				return fmt.Errorf("%s is missing", ep.name)
			}
			continue
		}
		if !strings.HasPrefix(ep.value, "https://") {
			return fmt.Errorf("%s must use https", ep.name)
		}
	}
	return nil
}
