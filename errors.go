// Package idp implements the core of a multi-tenant OAuth 2.0 / OpenID Connect
// authorization server: profiled request verification, interactive grants,
// code and token issuance, introspection, revocation, and CIBA backchannel
// authentication. HTTP controller bindings, persistence mapping, and admin
// CRUD are external collaborators.
package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
	ErrorCodeInteractionRequired     = "interaction_required"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeInvalidRequestObject    = "invalid_request_object"
	ErrorCodeInvalidRequestURI       = "invalid_request_uri"
)

// Kind classifies an error for transport mapping: bad requests surface as
// HTTP 400 JSON bodies, unauthorized as 401, redirectable errors travel back
// to the client's redirect_uri, and server errors are invariant violations
// that must never leak detail.
type Kind int

const (
	// KindBadRequest is a malformed or unverifiable request that never
	// reached a trusted redirect_uri.
	KindBadRequest Kind = iota

	// KindRedirectableBadRequest failed a check after the redirect_uri was
	// validated as registered; the error is delivered by redirect.
	KindRedirectableBadRequest

	// KindUnauthorized is a client authentication failure (HTTP 401).
	KindUnauthorized

	// KindServerError is an internal invariant violation (HTTP 500).
	KindServerError

	// KindNotFound marks missing tenant/client/grant material; protocol
	// endpoints map it to invalid_request or invalid_grant, never a raw 404.
	KindNotFound
)

// Error is the tagged protocol error used throughout the core. It replaces
// per-condition exception classes with one value carrying the OAuth error
// code and a human-readable description.
type Error struct {
	Kind        Kind
	Code        string // OAuth error code (e.g. "invalid_request")
	Description string // error_description for the response body
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus maps the error kind to the status used by the protocol bindings.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRedirectableBadRequest:
		return http.StatusFound
	case KindServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Redirectable reports whether the error should be delivered via the
// request's redirect_uri rather than a direct response body.
func (e *Error) Redirectable() bool {
	return e.Kind == KindRedirectableBadRequest
}

// BadRequest creates an error for a request rejected before any redirect_uri
// was trusted.
func BadRequest(code, description string) *Error {
	return &Error{Kind: KindBadRequest, Code: code, Description: description}
}

// RedirectableBadRequest creates an error that reached a registered
// redirect_uri and is reported back through it.
func RedirectableBadRequest(code, description string) *Error {
	return &Error{Kind: KindRedirectableBadRequest, Code: code, Description: description}
}

// ClientUnauthorized creates a client authentication failure (invalid_client).
func ClientUnauthorized(description string) *Error {
	return &Error{Kind: KindUnauthorized, Code: ErrorCodeInvalidClient, Description: description}
}

// ServerError creates an internal invariant violation. The description is for
// logs; bindings return a generic body.
func ServerError(description string) *Error {
	return &Error{Kind: KindServerError, Code: ErrorCodeServerError, Description: description}
}

// NotFound creates a missing-configuration error. code selects the per-site
// mapping (invalid_request for config lookups, invalid_grant for grants).
func NotFound(code, description string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Description: description}
}

// AsError extracts an *Error from err, or wraps an unknown error as a
// ServerError so nothing untagged escapes the core.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ServerError(err.Error())
}
