// Package server wires the protocol engine together and binds it to HTTP.
// Every operation resolves its tenant explicitly; nothing is ambient.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/openidx/idp"
	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/clientauth"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/instrumentation"
	"github.com/openidx/idp/keys"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/response"
	"github.com/openidx/idp/security"
	"github.com/openidx/idp/session"
	"github.com/openidx/idp/token"
	"github.com/openidx/idp/verifier"
)

// PushedRequestStore extends the consume-side PAR contract with the
// register side the PAR endpoint needs. Both storage backends satisfy it.
type PushedRequestStore interface {
	request.PushedRequestRepository
	Register(ctx context.Context, tenantID, requestURI string, params url.Values, expiresAt time.Time) error
}

// Stores bundles the persistence backends the server runs on.
type Stores struct {
	Requests       request.Repository
	PushedRequests PushedRequestStore
	CodeGrants     token.CodeGrantRepository
	Tokens         token.Repository
	Granted        grant.GrantedRepository
	Sessions       session.Store
	CibaRequests   ciba.RequestRepository
	CibaGrants     ciba.GrantRepository
}

func (s *Stores) validate() error {
	switch {
	case s.Requests == nil:
		return fmt.Errorf("request store is required")
	case s.PushedRequests == nil:
		return fmt.Errorf("pushed request store is required")
	case s.CodeGrants == nil:
		return fmt.Errorf("code grant store is required")
	case s.Tokens == nil:
		return fmt.Errorf("token store is required")
	case s.Granted == nil:
		return fmt.Errorf("granted store is required")
	case s.Sessions == nil:
		return fmt.Errorf("session store is required")
	case s.CibaRequests == nil:
		return fmt.Errorf("ciba request store is required")
	case s.CibaGrants == nil:
		return fmt.Errorf("ciba grant store is required")
	}
	return nil
}

// Server is the authorization server core. It exposes one method per
// protocol operation; the HTTP layer in handler.go is a thin binding.
type Server struct {
	configs config.Repository
	keys    *keys.Provider
	stores  Stores
	cfg     *Config

	verifiers     *verifier.Registry
	sessions      *session.Coordinator
	grants        *grant.Manager
	responses     *response.Registry
	clientAuth    *clientauth.Registry
	issuance      *token.IssuanceService
	introspection *token.IntrospectionService
	revocation    *token.RevocationService
	ciba          *ciba.Coordinator
	idTokens      *token.IDTokenIssuer

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger

	inst *instrumentation.Instrumentation
}

// New assembles the server from its configuration repository, signing key
// provider and storage backends.
func New(configs config.Repository, keyProvider *keys.Provider, stores Stores, cfg *Config, logger *slog.Logger) (*Server, error) {
	if configs == nil {
		return nil, fmt.Errorf("configuration repository is required")
	}
	if keyProvider == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	auditor := security.NewAuditor(logger, cfg.AuditEnabled)

	idTokens := token.NewIDTokenIssuer(keyProvider)
	cibaCoordinator := ciba.NewCoordinator(stores.CibaRequests, stores.CibaGrants,
		cfg.SubjectResolver, cfg.NotificationGateway, auditor, logger)

	issuance := token.NewIssuanceService(logger, auditor,
		token.NewAuthorizationCodeGrantService(stores.CodeGrants, stores.Tokens, idTokens, auditor),
		token.NewRefreshTokenGrantService(stores.Tokens, idTokens),
		token.NewClientCredentialsGrantService(stores.Tokens),
		token.NewPasswordGrantService(stores.Tokens, idTokens, cfg.PasswordDelegate),
		token.NewCibaGrantService(stores.Tokens, idTokens, cibaCoordinator),
	)

	s := &Server{
		configs:       configs,
		keys:          keyProvider,
		stores:        stores,
		cfg:           cfg,
		verifiers:     verifier.NewRegistry(),
		sessions:      session.NewCoordinator(stores.Sessions),
		grants:        grant.NewManager(stores.Granted),
		responses:     response.NewRegistry(stores.CodeGrants, stores.Tokens, idTokens),
		clientAuth:    clientauth.NewRegistry(),
		issuance:      issuance,
		introspection: token.NewIntrospectionService(stores.Tokens),
		revocation:    token.NewRevocationService(stores.Tokens, auditor, logger),
		ciba:          cibaCoordinator,
		idTokens:      idTokens,
		Auditor:       auditor,
		Logger:        logger,
	}

	if cfg.RateLimit.Enabled {
		s.RateLimiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries, logger)
	}

	return s, nil
}

// SetInstrumentation attaches OpenTelemetry instrumentation. Must be
// called before serving traffic.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// resolveTenant loads the tenant and its server configuration.
func (s *Server) resolveTenant(ctx context.Context, tenantID string) (*config.Tenant, *config.ServerConfiguration, error) {
	tenant, err := s.configs.Tenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	serverCfg, err := s.configs.Server(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return tenant, serverCfg, nil
}

// Authorize processes one authorization request. Depending on the session
// state it either finishes the flow with a redirect or reports that the
// interaction layer must take over.
func (s *Server) Authorize(ctx context.Context, tenantID, sessionKey string, raw url.Values) (*AuthorizeResult, error) {
	tenant, serverCfg, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	params, err := request.NewParameters(raw)
	if err != nil {
		return nil, err
	}

	clientID := params.Get(request.ParamClientID)
	if clientID == "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "client_id is required")
	}
	clientCfg, err := s.configs.Client(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	factory := request.Select(params, s.keys, s.cfg.ObjectGateway, s.stores.PushedRequests)
	req, err := factory.Create(ctx, tenant, params, serverCfg, clientCfg)
	if err != nil {
		return nil, err
	}

	if err := s.verifiers.Verify(&verifier.Context{Request: req, Server: serverCfg, Client: clientCfg}); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordAuthorizationRequest(ctx, tenantID, string(req.Profile), false)
		}
		return s.redirectableError(req, err)
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationRequest(ctx, tenantID, string(req.Profile), true)
	}

	if err := s.stores.Requests.Register(ctx, req); err != nil {
		return nil, idp.ServerError("failed to store authorization request: " + err.Error())
	}

	decision, err := s.sessions.Evaluate(ctx, sessionKey, req)
	if err != nil {
		return s.redirectableError(req, err)
	}

	switch decision.Status {
	case session.StatusNoSession, session.StatusAuthenticating:
		return &AuthorizeResult{InteractionRequired: true, RequestID: req.ID, Stage: "login"}, nil
	case session.StatusConsenting:
		// A prior consent covering the requested scopes skips the
		// consent screen unless the client asked for it again.
		if !req.PromptContains("consent") {
			if granted, ok := s.consentCovers(ctx, req, decision.Session); ok {
				return s.finish(ctx, tenant, serverCfg, clientCfg, req, decision.Session,
					req.Scopes, granted.Grant.Claims)
			}
		}
		if req.PromptContains("none") {
			err := idp.RedirectableBadRequest(idp.ErrorCodeConsentRequired,
				"prompt=none but no prior consent covers the request")
			return s.redirectableError(req, err)
		}
		return &AuthorizeResult{InteractionRequired: true, RequestID: req.ID, Stage: "consent"}, nil
	default:
		return nil, idp.ServerError("unexpected session decision " + string(decision.Status))
	}
}

func (s *Server) consentCovers(ctx context.Context, req *request.AuthorizationRequest, sess *session.OAuthSession) (*grant.AuthorizationGranted, bool) {
	granted, err := s.stores.Granted.Find(ctx, req.TenantID, req.ClientID, sess.User.Subject)
	if err != nil {
		return nil, false
	}
	for _, scope := range req.Scopes {
		if !contains(granted.Grant.Scopes, scope) {
			return nil, false
		}
	}
	return granted, true
}

// ApproveAuthorization finishes a flow after the interaction layer has
// authenticated the user and gathered consent. Empty consentedScopes
// means the user approved every requested scope; a non-empty set narrows
// the grant and must stay within the request.
func (s *Server) ApproveAuthorization(ctx context.Context, tenantID, requestID, sessionKey string,
	consentedScopes, consentedClaims []string) (*AuthorizeResult, error) {
	tenant, serverCfg, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	req, err := s.stores.Requests.Find(ctx, tenantID, requestID)
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "authorization request is unknown or expired")
	}
	if req.Expired(time.Now()) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "authorization request expired")
	}

	clientCfg, err := s.configs.Client(ctx, tenantID, req.ClientID)
	if err != nil {
		return nil, err
	}

	sess, err := s.stores.Sessions.Find(ctx, tenantID, sessionKey)
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "no session for this approval")
	}

	if len(consentedScopes) == 0 {
		consentedScopes = req.Scopes
	} else {
		for _, scope := range consentedScopes {
			if !contains(req.Scopes, scope) {
				return nil, idp.BadRequest(idp.ErrorCodeInvalidScope,
					"consented scope was not requested")
			}
		}
	}

	return s.finish(ctx, tenant, serverCfg, clientCfg, req, sess, consentedScopes, consentedClaims)
}

// DenyAuthorization reports the user's rejection back to the client as an
// access_denied redirect.
func (s *Server) DenyAuthorization(ctx context.Context, tenantID, requestID string) (*AuthorizeResult, error) {
	req, err := s.stores.Requests.Find(ctx, tenantID, requestID)
	if err != nil {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "authorization request is unknown or expired")
	}
	defer func() { _ = s.stores.Requests.Delete(ctx, tenantID, requestID) }()

	return s.redirectableError(req,
		idp.RedirectableBadRequest(idp.ErrorCodeAccessDenied, "the resource owner denied the request"))
}

// finish completes the session, folds the consent into the cumulative
// grant record, and creates the authorization response.
func (s *Server) finish(ctx context.Context, tenant *config.Tenant, serverCfg *config.ServerConfiguration,
	clientCfg *config.ClientConfiguration, req *request.AuthorizationRequest, sess *session.OAuthSession,
	consentedScopes, consentedClaims []string) (*AuthorizeResult, error) {

	user, authentication, err := s.sessions.Complete(ctx, sess)
	if err != nil {
		return s.redirectableError(req, err)
	}

	g := s.grants.Create(tenant.ID, req.ClientID, user, authentication,
		consentedScopes, consentedClaims, req.AuthorizationDetails)
	if _, err := s.grants.MergeWithExisting(ctx, g); err != nil {
		return s.redirectableError(req, idp.ServerError("failed to persist consent: "+err.Error()))
	}

	result, err := s.responses.Create(ctx, &response.Input{
		Request: req,
		Server:  serverCfg,
		Client:  clientCfg,
		Grant:   g,
	})
	if err != nil {
		return s.redirectableError(req, err)
	}

	_ = s.stores.Requests.Delete(ctx, tenant.ID, req.ID)

	return &AuthorizeResult{RedirectURI: result.RedirectURI, Fragment: result.Fragment}, nil
}

// redirectableError turns a redirectable error into an error redirect when
// the request carries a trusted redirect_uri; everything else propagates.
func (s *Server) redirectableError(req *request.AuthorizationRequest, err error) (*AuthorizeResult, error) {
	oauthErr := idp.AsError(err)
	if oauthErr == nil || !oauthErr.Redirectable() || req.RedirectURI == "" {
		return nil, err
	}
	fragment := req.ResponseType != "code"
	redirect, rerr := response.ErrorRedirect(req.RedirectURI, req.State, oauthErr, fragment)
	if rerr != nil {
		return nil, err
	}
	return &AuthorizeResult{RedirectURI: redirect, Fragment: fragment}, nil
}

// PushAuthorization handles one PAR call. The client authenticates the
// same way it does at the token endpoint; the stored parameter set passes
// the duplicate rule at push time.
func (s *Server) PushAuthorization(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*PushedAuthorizationResponse, error) {
	if _, _, _, err := s.authenticateClient(ctx, tenantID, rc); err != nil {
		return nil, err
	}

	params, err := request.NewParameters(rc.Form)
	if err != nil {
		return nil, err
	}
	if params.Has(request.ParamRequestURI) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "request_uri is not allowed in a pushed request")
	}
	if params.Get(request.ParamClientID) != rc.ClientID() {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "client_id does not match the authenticated client")
	}

	requestURI := request.PARRequestURIPrefix + security.GenerateToken()
	expiresAt := time.Now().UTC().Add(s.cfg.PushedRequestTTL)
	if err := s.stores.PushedRequests.Register(ctx, tenantID, requestURI, rc.Form, expiresAt); err != nil {
		return nil, idp.ServerError("failed to store pushed request: " + err.Error())
	}

	return &PushedAuthorizationResponse{
		RequestURI: requestURI,
		ExpiresIn:  int64(s.cfg.PushedRequestTTL / time.Second),
	}, nil
}

// Token handles one token endpoint call.
func (s *Server) Token(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*TokenResponse, error) {
	tenant, serverCfg, clientCfg, credentials, err := s.authenticateClientFull(ctx, tenantID, rc)
	if err != nil {
		return nil, err
	}

	issued, err := s.issuance.Issue(ctx, &token.IssueRequest{
		Tenant:      tenant,
		Server:      serverCfg,
		Client:      clientCfg,
		Credentials: credentials,
		Form:        rc.Form,
	})
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, tenantID, rc.Form.Get("grant_type"))
	}
	return newTokenResponse(issued, serverCfg.AccessTokenTTL), nil
}

// Introspect handles one RFC 7662 introspection call. Unknown or expired
// tokens report active:false, never an error.
func (s *Server) Introspect(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*token.IntrospectionResponse, error) {
	tenant, serverCfg, _, _, err := s.authenticateClientFull(ctx, tenantID, rc)
	if err != nil {
		return nil, err
	}

	resp, err := s.introspection.Introspect(ctx, tenant.ID, serverCfg.Issuer, rc.Form.Get("token"))
	if err != nil {
		return nil, err
	}
	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, tenantID, resp.Active)
	}
	return resp, nil
}

// Revoke handles one RFC 7009 revocation call. Unknown tokens succeed.
func (s *Server) Revoke(ctx context.Context, tenantID string, rc *clientauth.RequestContext) error {
	tenant, _, _, _, err := s.authenticateClientFull(ctx, tenantID, rc)
	if err != nil {
		return err
	}

	if err := s.revocation.Revoke(ctx, tenant.ID, rc.Form.Get("token")); err != nil {
		return err
	}
	if m := s.metrics(); m != nil {
		m.RecordRevocation(ctx, tenantID)
	}
	return nil
}

// BackchannelAuthenticate handles one CIBA authentication call.
func (s *Server) BackchannelAuthenticate(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*BackchannelAuthenticationResponse, error) {
	tenant, serverCfg, clientCfg, _, err := s.authenticateClientFull(ctx, tenantID, rc)
	if err != nil {
		return nil, err
	}

	req, err := s.ciba.Request(ctx, tenant, serverCfg, clientCfg, rc.Form)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordBackchannelRequest(ctx, tenantID)
	}
	return &BackchannelAuthenticationResponse{
		AuthReqID: req.ID,
		ExpiresIn: req.ExpiresIn,
		Interval:  req.Interval,
	}, nil
}

// CompleteBackchannel records the out-of-band approval or denial from the
// authentication device. Approval carries the consented grant.
func (s *Server) CompleteBackchannel(ctx context.Context, tenantID, authReqID string, approve bool,
	user grant.User, authentication grant.Authentication) error {

	tenant, _, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	req, err := s.stores.CibaRequests.Find(ctx, tenantID, authReqID)
	if err != nil {
		return idp.BadRequest(idp.ErrorCodeInvalidGrant, "auth_req_id is unknown")
	}
	clientCfg, err := s.configs.Client(ctx, tenantID, req.ClientID)
	if err != nil {
		return err
	}

	if !approve {
		return s.ciba.Deny(ctx, tenant, clientCfg, authReqID)
	}

	g := s.grants.Create(tenant.ID, req.ClientID, user, authentication, req.Scopes, nil, "")
	if _, err := s.grants.MergeWithExisting(ctx, g); err != nil {
		return idp.ServerError("failed to persist consent: " + err.Error())
	}
	return s.ciba.Authorize(ctx, tenant, clientCfg, authReqID, g)
}

// Metadata returns the tenant's provider configuration document.
func (s *Server) Metadata(ctx context.Context, tenantID string) (*ServerMetadata, error) {
	_, serverCfg, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return metadataFor(serverCfg), nil
}

// JWKS returns the tenant's public signing keys.
func (s *Server) JWKS(ctx context.Context, tenantID string) (*jose.JSONWebKeySet, error) {
	if _, _, err := s.resolveTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.keys.JWKS(tenantID)
}

// authenticateClient resolves and authenticates the calling client.
func (s *Server) authenticateClient(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*config.Tenant, *config.ClientConfiguration, clientauth.ClientCredentials, error) {
	tenant, _, clientCfg, credentials, err := s.authenticateClientFull(ctx, tenantID, rc)
	return tenant, clientCfg, credentials, err
}

func (s *Server) authenticateClientFull(ctx context.Context, tenantID string, rc *clientauth.RequestContext) (*config.Tenant, *config.ServerConfiguration, *config.ClientConfiguration, clientauth.ClientCredentials, error) {
	tenant, serverCfg, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, clientauth.ClientCredentials{}, err
	}

	clientID := rc.ClientID()
	if clientID == "" {
		return nil, nil, nil, clientauth.ClientCredentials{}, idp.ClientUnauthorized("client identification is missing")
	}

	clientCfg, err := s.configs.Client(ctx, tenantID, clientID)
	if err != nil {
		return nil, nil, nil, clientauth.ClientCredentials{}, idp.ClientUnauthorized("client is not registered")
	}

	credentials, err := s.clientAuth.Authenticate(ctx, clientCfg, rc)
	if err != nil {
		s.Auditor.LogClientAuthFailure(tenantID, clientID, string(clientCfg.TokenEndpointAuthMethod))
		if m := s.metrics(); m != nil {
			m.RecordClientAuthFailure(ctx, tenantID, string(clientCfg.TokenEndpointAuthMethod))
		}
		return nil, nil, nil, clientauth.ClientCredentials{}, err
	}

	return tenant, serverCfg, clientCfg, credentials, nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
