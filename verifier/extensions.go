package verifier

import (
	"github.com/openidx/idp"
	"github.com/openidx/idp/security"
)

// PkceVerifier validates the code challenge when the request carries one or
// the client/profile demands one. Runs after the base verifier, so its
// failures are redirectable.
type PkceVerifier struct{}

// ShouldSkip skips requests with no challenge where none is required.
func (v *PkceVerifier) ShouldSkip(ctx *Context) bool {
	return !ctx.Request.HasPKCE() && !v.required(ctx)
}

func (v *PkceVerifier) required(ctx *Context) bool {
	return ctx.Client.PKCERequired() || ctx.Request.Profile.IsFapi()
}

func (v *PkceVerifier) Verify(ctx *Context) error {
	req := ctx.Request
	if !req.HasPKCE() {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"code_challenge is required for this client")
	}
	method := req.CodeChallengeMethod
	if method == "" {
		// RFC 7636 4.3: omitted method defaults to plain; FAPI and public
		// clients get S256 enforced by their own rules.
		method = security.PKCEMethodPlain
	}
	if !security.ValidPKCEMethod(method) {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"code_challenge_method must be S256 or plain")
	}
	if req.Profile.IsFapi() && method != security.PKCEMethodS256 {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"code_challenge_method must be S256 under FAPI profiles")
	}
	// RFC 7636 4.1: 43-128 characters of the unreserved set. Length alone
	// rejects degenerate challenges early.
	if len(req.CodeChallenge) < 43 || len(req.CodeChallenge) > 128 {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequest,
			"code_challenge length must be between 43 and 128")
	}
	return nil
}

// RequestObjectVerifier reconciles a resolved request object with the
// inline parameters. The factory already checked signature and size; this
// extension enforces the parameter agreement rules of OIDC Core 6.1.
type RequestObjectVerifier struct{}

func (v *RequestObjectVerifier) ShouldSkip(ctx *Context) bool {
	return ctx.Request.RequestObject == "" && ctx.Request.RequestURI == ""
}

func (v *RequestObjectVerifier) Verify(ctx *Context) error {
	req := ctx.Request
	// client_id and response_type must survive the overlay intact; a
	// mismatch means the object was issued for a different request.
	if req.ClientID != ctx.Client.ClientID {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequestObject,
			"request object client_id does not match the requesting client")
	}
	if req.ResponseType == "" {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequestObject,
			"request object must carry response_type")
	}
	if req.Profile.IsOIDC() && !req.HasOpenIDScope() {
		return idp.RedirectableBadRequest(idp.ErrorCodeInvalidRequestObject,
			"request object dropped the openid scope")
	}
	return nil
}
