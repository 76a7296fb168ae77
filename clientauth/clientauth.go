// Package clientauth authenticates token, introspection, revocation, and
// backchannel callers. One authenticator exists per token_endpoint_auth
// method; the registry dispatches on the client's registered method, never
// on what the caller happened to send.
package clientauth

import (
	"context"
	"crypto/x509"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/security"
)

// RequestContext carries the credential material extracted from one
// back-channel HTTP call. The bindings populate it; the core never touches
// the raw request.
type RequestContext struct {
	// BasicAuthUser / BasicAuthSecret are set when an Authorization: Basic
	// header was present.
	BasicAuthUser   string
	BasicAuthSecret string
	HasBasicAuth    bool

	// Form is the decoded request body (client_id, client_secret,
	// client_assertion, grant parameters).
	Form url.Values

	// ClientCertificate is the verified TLS client certificate, when the
	// connection presented one.
	ClientCertificate *x509.Certificate
}

// ClientID resolves the caller's claimed client identifier: basic-auth
// username first, then the client_id form parameter.
func (rc *RequestContext) ClientID() string {
	if rc.HasBasicAuth && rc.BasicAuthUser != "" {
		return rc.BasicAuthUser
	}
	return rc.Form.Get("client_id")
}

// ClientCredentials is the proof of client identity an authenticator
// produced.
type ClientCredentials struct {
	ClientID string
	Method   config.ClientAuthMethod
	// CertThumbprint is set for the mTLS methods and bound into issued
	// tokens for sender-constraining.
	CertThumbprint string
}

// Authenticator proves one client authentication method.
type Authenticator interface {
	Authenticate(ctx context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error)
}

// Registry dispatches to the authenticator matching the client's registered
// token_endpoint_auth_method. Built once at startup from a fixed
// constructor list.
type Registry struct {
	authenticators map[config.ClientAuthMethod]Authenticator
}

// NewRegistry builds the standard capability set.
func NewRegistry() *Registry {
	return &Registry{authenticators: map[config.ClientAuthMethod]Authenticator{
		config.AuthMethodClientSecretBasic: &secretBasicAuthenticator{},
		config.AuthMethodClientSecretPost:  &secretPostAuthenticator{},
		config.AuthMethodPrivateKeyJWT:     &privateKeyJWTAuthenticator{},
		config.AuthMethodTLSClientAuth:     &tlsClientAuthenticator{},
		config.AuthMethodSelfSignedTLSAuth: &tlsClientAuthenticator{selfSigned: true},
		config.AuthMethodNone:              &noneAuthenticator{},
	}}
}

// Authenticate proves the caller is the client it claims to be. Ambiguous
// credential material (basic and post secrets together) is rejected before
// dispatch.
func (r *Registry) Authenticate(ctx context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	if rc.HasBasicAuth && rc.Form.Get("client_secret") != "" {
		return ClientCredentials{}, idp.ClientUnauthorized(
			"client credentials must not be sent in both the Authorization header and the request body")
	}

	method := client.TokenEndpointAuthMethod
	if method == "" {
		method = config.AuthMethodClientSecretBasic
	}
	authenticator, ok := r.authenticators[method]
	if !ok {
		return ClientCredentials{}, idp.ServerError("no authenticator registered for method " + string(method))
	}
	creds, err := authenticator.Authenticate(ctx, client, rc)
	if err != nil {
		return ClientCredentials{}, err
	}
	creds.ClientID = client.ClientID
	creds.Method = method
	return creds, nil
}

// secretBasicAuthenticator checks the Authorization: Basic secret against
// the registered bcrypt hash.
type secretBasicAuthenticator struct{}

func (a *secretBasicAuthenticator) Authenticate(_ context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	if !rc.HasBasicAuth {
		return ClientCredentials{}, idp.ClientUnauthorized("client_secret_basic requires an Authorization header")
	}
	if rc.BasicAuthUser != client.ClientID {
		return ClientCredentials{}, idp.ClientUnauthorized("client authentication failed")
	}
	return verifySecret(client, rc.BasicAuthSecret)
}

// secretPostAuthenticator checks the client_secret form parameter.
type secretPostAuthenticator struct{}

func (a *secretPostAuthenticator) Authenticate(_ context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	secret := rc.Form.Get("client_secret")
	if secret == "" {
		return ClientCredentials{}, idp.ClientUnauthorized("client_secret_post requires the client_secret parameter")
	}
	if rc.Form.Get("client_id") != client.ClientID {
		return ClientCredentials{}, idp.ClientUnauthorized("client authentication failed")
	}
	return verifySecret(client, secret)
}

func verifySecret(client *config.ClientConfiguration, presented string) (ClientCredentials, error) {
	if client.ClientSecretHash == "" {
		return ClientCredentials{}, idp.ClientUnauthorized("client has no secret registered")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(presented)); err != nil {
		return ClientCredentials{}, idp.ClientUnauthorized("client authentication failed")
	}
	return ClientCredentials{}, nil
}

// tlsClientAuthenticator compares the presented certificate's SHA-256
// thumbprint against the registered one (RFC 8705). The self-signed
// variant uses the same comparison; trust anchoring differs only at the
// TLS layer, which the bindings own.
type tlsClientAuthenticator struct {
	selfSigned bool
}

func (a *tlsClientAuthenticator) Authenticate(_ context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	if rc.ClientCertificate == nil {
		return ClientCredentials{}, idp.ClientUnauthorized("mutual TLS authentication requires a client certificate")
	}
	if !security.MatchCertThumbprint(rc.ClientCertificate, client.TLSClientCertThumbprint) {
		return ClientCredentials{}, idp.ClientUnauthorized("client certificate does not match the registered thumbprint")
	}
	return ClientCredentials{CertThumbprint: security.CertThumbprintS256(rc.ClientCertificate)}, nil
}

// noneAuthenticator accepts public clients that present no credentials.
// The client_id must still be claimed so dispatch could find the
// registration.
type noneAuthenticator struct{}

func (a *noneAuthenticator) Authenticate(_ context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	if rc.HasBasicAuth || rc.Form.Get("client_secret") != "" {
		return ClientCredentials{}, idp.ClientUnauthorized("public client must not send credentials")
	}
	if rc.Form.Get("client_id") != client.ClientID {
		return ClientCredentials{}, idp.ClientUnauthorized("client authentication failed")
	}
	return ClientCredentials{}, nil
}
