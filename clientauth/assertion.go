package clientauth

import (
	"context"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/keys"
)

// ClientAssertionType is the only assertion type accepted for
// private_key_jwt (RFC 7523).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionMaxLifetime bounds how far in the future an assertion's exp may
// lie, limiting replay windows from sloppy clients.
const assertionMaxLifetime = 10 * time.Minute

// privateKeyJWTAuthenticator verifies a JWT signed with the client's
// registered key (RFC 7523 section 2.2).
type privateKeyJWTAuthenticator struct{}

func (a *privateKeyJWTAuthenticator) Authenticate(_ context.Context, client *config.ClientConfiguration, rc *RequestContext) (ClientCredentials, error) {
	if rc.Form.Get("client_assertion_type") != ClientAssertionType {
		return ClientCredentials{}, idp.ClientUnauthorized(
			"private_key_jwt requires client_assertion_type " + ClientAssertionType)
	}
	assertion := rc.Form.Get("client_assertion")
	if assertion == "" {
		return ClientCredentials{}, idp.ClientUnauthorized("private_key_jwt requires the client_assertion parameter")
	}

	claims, err := keys.VerifyClientJWT(assertion, client.JWKS)
	if err != nil {
		return ClientCredentials{}, idp.ClientUnauthorized("client assertion signature verification failed")
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss != client.ClientID || sub != client.ClientID {
		return ClientCredentials{}, idp.ClientUnauthorized("client assertion iss and sub must equal the client_id")
	}

	exp, ok := numericClaim(claims, "exp")
	if !ok {
		return ClientCredentials{}, idp.ClientUnauthorized("client assertion must carry exp")
	}
	now := time.Now().UTC()
	expiry := time.Unix(exp, 0).UTC()
	if now.After(expiry) {
		return ClientCredentials{}, idp.ClientUnauthorized("client assertion is expired")
	}
	if expiry.After(now.Add(assertionMaxLifetime)) {
		return ClientCredentials{}, idp.ClientUnauthorized("client assertion lifetime is too long")
	}
	return ClientCredentials{}, nil
}

// numericClaim extracts an integer claim that JSON decoding produced as
// float64.
func numericClaim(claims map[string]any, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
