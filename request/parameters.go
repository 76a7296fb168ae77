// Package request builds immutable authorization requests from raw protocol
// parameters. The duplicate-parameter rule of RFC 6749 Section 3.1 is
// enforced here, before profile analysis or any verification runs.
package request

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/openidx/idp"
	"github.com/openidx/idp/internal/utils"
)

// Recognized authorization request parameter names.
const (
	ParamScope                = "scope"
	ParamResponseType         = "response_type"
	ParamClientID             = "client_id"
	ParamRedirectURI          = "redirect_uri"
	ParamState                = "state"
	ParamResponseMode         = "response_mode"
	ParamNonce                = "nonce"
	ParamDisplay              = "display"
	ParamPrompt               = "prompt"
	ParamMaxAge               = "max_age"
	ParamUILocales            = "ui_locales"
	ParamIDTokenHint          = "id_token_hint"
	ParamLoginHint            = "login_hint"
	ParamACRValues            = "acr_values"
	ParamClaims               = "claims"
	ParamRequest              = "request"
	ParamRequestURI           = "request_uri"
	ParamCodeChallenge        = "code_challenge"
	ParamCodeChallengeMethod  = "code_challenge_method"
	ParamAuthorizationDetails = "authorization_details"
	ParamResource             = "resource"
)

// Parameters is a validated view over the raw multi-valued parameter map.
// Construction fails when any key other than resource appears more than
// once, so downstream code can treat every parameter as single-valued.
type Parameters struct {
	values url.Values
}

// NewParameters validates the raw map. Duplicates of any key except
// resource are rejected as invalid_request before any further processing.
func NewParameters(raw url.Values) (Parameters, error) {
	for key, vals := range raw {
		if key == ParamResource {
			continue
		}
		if len(vals) > 1 {
			return Parameters{}, idp.BadRequest(idp.ErrorCodeInvalidRequest,
				fmt.Sprintf("duplicate parameter: %s", key))
		}
	}
	return Parameters{values: raw}, nil
}

// Get returns the single value for key, or "" when absent.
func (p Parameters) Get(key string) string {
	return p.values.Get(key)
}

// Has reports whether key was present in the request.
func (p Parameters) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Resources returns all resource parameter values (RFC 8707 allows repeats).
func (p Parameters) Resources() []string {
	raw := p.values[ParamResource]
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = utils.NormalizeURL(r)
	}
	return out
}

// Scopes splits the space-delimited scope parameter.
func (p Parameters) Scopes() []string {
	return SplitScope(p.Get(ParamScope))
}

// MaxAge parses max_age as non-negative seconds. Returns -1 when absent,
// an error on garbage.
func (p Parameters) MaxAge() (int64, error) {
	raw := p.Get(ParamMaxAge)
	if raw == "" {
		return -1, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, idp.BadRequest(idp.ErrorCodeInvalidRequest, "max_age must be a non-negative integer")
	}
	return v, nil
}

// SplitScope splits a space-delimited scope value, dropping empties.
func SplitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScope is the inverse of SplitScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
