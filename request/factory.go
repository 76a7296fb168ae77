package request

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/profile"
)

// PARRequestURIPrefix marks request_uri values minted by the pushed
// authorization request endpoint (RFC 9126).
const PARRequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// ObjectGateway fetches a remote request object by request_uri. Calls must
// be time-bounded; the engine treats a timeout as a failed step, not a hang.
type ObjectGateway interface {
	Fetch(ctx context.Context, requestURI string, timeout time.Duration, maxSize int) (string, error)
}

// ObjectParser parses and signature-checks a request object JWT against the
// client's registered keys, returning its claims. Implemented by the keys
// package.
type ObjectParser interface {
	ParseRequestObject(rawJWT, clientJWKS string, maxSize int) (map[string]any, error)
}

// PushedRequestRepository resolves parameters previously pushed via PAR.
// A request_uri is single-use: Consume removes it.
type PushedRequestRepository interface {
	Consume(ctx context.Context, tenantID, requestURI string) (url.Values, error)
}

// Factory builds one AuthorizationRequest variant from validated parameters.
type Factory interface {
	Create(ctx context.Context, tenant *config.Tenant, params Parameters,
		serverCfg *config.ServerConfiguration, clientCfg *config.ClientConfiguration) (*AuthorizationRequest, error)
}

// Select picks the factory variant for the parameter shape: PAR when
// request_uri carries the urn prefix, request-object when request or
// request_uri is present, normal otherwise.
func Select(params Parameters, parser ObjectParser, gateway ObjectGateway, pushed PushedRequestRepository) Factory {
	switch {
	case strings.HasPrefix(params.Get(ParamRequestURI), PARRequestURIPrefix):
		return &parFactory{pushed: pushed}
	case params.Has(ParamRequest) || params.Has(ParamRequestURI):
		return &requestObjectFactory{parser: parser, gateway: gateway}
	default:
		return &normalFactory{}
	}
}

// normalFactory builds a request from inline parameters only.
type normalFactory struct{}

func (f *normalFactory) Create(_ context.Context, tenant *config.Tenant, params Parameters,
	serverCfg *config.ServerConfiguration, clientCfg *config.ClientConfiguration) (*AuthorizationRequest, error) {
	return build(tenant, params, serverCfg, clientCfg)
}

// requestObjectFactory resolves the request / request_uri parameter, then
// overlays the object's claims on the inline parameters. Object claims win
// on conflict per OIDC Core 6.1; reconciliation of the security-critical
// fields is re-checked by the verifier chain.
type requestObjectFactory struct {
	parser  ObjectParser
	gateway ObjectGateway
}

func (f *requestObjectFactory) Create(ctx context.Context, tenant *config.Tenant, params Parameters,
	serverCfg *config.ServerConfiguration, clientCfg *config.ClientConfiguration) (*AuthorizationRequest, error) {
	rawObject := params.Get(ParamRequest)
	requestURI := params.Get(ParamRequestURI)
	if rawObject != "" && requestURI != "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"request and request_uri must not both be present")
	}
	if requestURI != "" {
		if f.gateway == nil {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidRequestURI,
				"request_uri is not supported")
		}
		fetched, err := f.gateway.Fetch(ctx, requestURI,
			time.Duration(serverCfg.RequestURIFetchTimeout)*time.Second, serverCfg.RequestObjectMaxSize)
		if err != nil {
			return nil, idp.BadRequest(idp.ErrorCodeInvalidRequestURI,
				fmt.Sprintf("failed to fetch request_uri: %v", err))
		}
		rawObject = fetched
	}

	claims, err := f.parser.ParseRequestObject(rawObject, clientCfg.JWKS, serverCfg.RequestObjectMaxSize)
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequestObject, err.Error())
	}

	merged := overlay(params, claims)
	req, err := build(tenant, merged, serverCfg, clientCfg)
	if err != nil {
		return nil, err
	}
	req.RequestObject = rawObject
	req.RequestURI = requestURI
	return req, nil
}

// parFactory resolves parameters previously pushed to the PAR endpoint.
// The stored parameter map passed the same duplicate rule at push time.
type parFactory struct {
	pushed PushedRequestRepository
}

func (f *parFactory) Create(ctx context.Context, tenant *config.Tenant, params Parameters,
	serverCfg *config.ServerConfiguration, clientCfg *config.ClientConfiguration) (*AuthorizationRequest, error) {
	requestURI := params.Get(ParamRequestURI)
	stored, err := f.pushed.Consume(ctx, tenant.ID, requestURI)
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"request_uri is unknown or already used")
	}
	// client_id must match the pushed request.
	if cid := stored.Get(ParamClientID); cid != "" && cid != params.Get(ParamClientID) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"client_id does not match pushed request")
	}
	storedParams, err := NewParameters(stored)
	if err != nil {
		return nil, err
	}
	req, err := build(tenant, storedParams, serverCfg, clientCfg)
	if err != nil {
		return nil, err
	}
	req.RequestURI = requestURI
	return req, nil
}

// build assembles the immutable request from single-valued parameters.
// Missing client_id is rejected here so no variant can skip the check.
func build(tenant *config.Tenant, params Parameters,
	serverCfg *config.ServerConfiguration, _ *config.ClientConfiguration) (*AuthorizationRequest, error) {
	if params.Get(ParamClientID) == "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "client_id is required")
	}
	maxAge, err := params.MaxAge()
	if err != nil {
		return nil, err
	}

	scopes := params.Scopes()
	now := time.Now().UTC()
	ttl := time.Duration(serverCfg.AuthorizationCodeTTL) * time.Second

	return &AuthorizationRequest{
		ID:                   uuid.NewString(),
		TenantID:             tenant.ID,
		ClientID:             params.Get(ParamClientID),
		Scopes:               scopes,
		ResponseType:         params.Get(ParamResponseType),
		RedirectURI:          params.Get(ParamRedirectURI),
		State:                params.Get(ParamState),
		ResponseMode:         params.Get(ParamResponseMode),
		Nonce:                params.Get(ParamNonce),
		Display:              params.Get(ParamDisplay),
		Prompt:               params.Get(ParamPrompt),
		MaxAge:               maxAge,
		UILocales:            params.Get(ParamUILocales),
		IDTokenHint:          params.Get(ParamIDTokenHint),
		LoginHint:            params.Get(ParamLoginHint),
		ACRValues:            SplitScope(params.Get(ParamACRValues)),
		Claims:               params.Get(ParamClaims),
		CodeChallenge:        params.Get(ParamCodeChallenge),
		CodeChallengeMethod:  params.Get(ParamCodeChallengeMethod),
		AuthorizationDetails: params.Get(ParamAuthorizationDetails),
		Resources:            params.Resources(),
		Profile:              profile.Analyze(serverCfg, scopes),
		CreatedAt:            now,
		ExpiresAt:            now.Add(ttl),
	}, nil
}

// overlay merges request object claims over inline parameters, returning a
// fresh single-valued Parameters. Only string-typed claims map to protocol
// parameters; structured claims (claims, authorization_details) are
// re-serialized upstream by the parser.
func overlay(inline Parameters, claims map[string]any) Parameters {
	merged := url.Values{}
	for key, vals := range inline.values {
		merged[key] = vals
	}
	for key, val := range claims {
		if s, ok := val.(string); ok {
			merged.Set(key, s)
		}
	}
	merged.Del(ParamRequest)
	return Parameters{values: merged}
}
