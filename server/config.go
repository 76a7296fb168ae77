package server

import (
	"time"

	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/federation/oidc"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/token"
)

// Config carries the optional collaborators and tunables of the server
// façade. Per-tenant protocol policy lives in config.ServerConfiguration;
// this struct holds what is global to the process.
type Config struct {
	// SubjectResolver resolves backchannel login hints to subjects.
	// Required when any tenant enables the CIBA grant.
	SubjectResolver ciba.SubjectResolver

	// NotificationGateway delivers CIBA ping notifications. Nil disables
	// ping delivery; poll mode is unaffected.
	NotificationGateway ciba.ClientNotificationGateway

	// PasswordDelegate verifies resource owner credentials. Nil rejects
	// the password grant as unsupported.
	PasswordDelegate token.PasswordCredentialsGrantDelegate

	// ObjectGateway fetches remote request objects for request_uri. Nil
	// rejects non-PAR request_uri values.
	ObjectGateway request.ObjectGateway

	// UpstreamProviders maps tenant IDs to their upstream OpenID provider
	// for federated login. Tenants without an entry authenticate locally.
	UpstreamProviders map[string]*oidc.Provider

	// PushedRequestTTL bounds how long a pushed authorization request may
	// sit before the client redeems its request_uri.
	PushedRequestTTL time.Duration

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// RateLimit guards the token and backchannel endpoints per client.
	RateLimit RateLimitConfig
}

// RateLimitConfig tunes the per-identifier token bucket.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond int
	Burst             int
	MaxEntries        int
}

// DefaultPushedRequestTTL follows the common PAR expiry window.
const DefaultPushedRequestTTL = 90 * time.Second

func (c *Config) applyDefaults() {
	if c.PushedRequestTTL <= 0 {
		c.PushedRequestTTL = DefaultPushedRequestTTL
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 40
	}
	if c.RateLimit.MaxEntries <= 0 {
		c.RateLimit.MaxEntries = 10000
	}
}
