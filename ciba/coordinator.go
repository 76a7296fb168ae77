package ciba

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/internal/utils"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
)

// notifyTimeout bounds the ping-mode callback to the client.
const notifyTimeout = 5 * time.Second

// Coordinator drives the CIBA state machine end to end.
type Coordinator struct {
	requests RequestRepository
	grants   GrantRepository
	resolver SubjectResolver
	notifier ClientNotificationGateway
	auditor  *security.Auditor
	logger   *slog.Logger
}

// NewCoordinator wires the backchannel flow.
func NewCoordinator(requests RequestRepository, grants GrantRepository, resolver SubjectResolver,
	notifier ClientNotificationGateway, auditor *security.Auditor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		requests: requests,
		grants:   grants,
		resolver: resolver,
		notifier: notifier,
		auditor:  auditor,
		logger:   logger,
	}
}

// Request handles the backchannel authentication endpoint after client
// authentication: validates the hint and scope, persists the request, and
// opens a PENDING grant addressed by a fresh auth_req_id.
func (c *Coordinator) Request(ctx context.Context, tenant *config.Tenant, server *config.ServerConfiguration,
	client *config.ClientConfiguration, form url.Values) (*BackchannelAuthenticationRequest, error) {

	scopes := request.SplitScope(form.Get("scope"))
	if len(scopes) == 0 {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest, "scope is required")
	}
	if !client.ScopesAllowed(scopes) {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidScope, "requested scope exceeds the client's registration")
	}

	loginHint := form.Get("login_hint")
	idTokenHint := form.Get("id_token_hint")
	if loginHint == "" && idTokenHint == "" {
		return nil, idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"one of login_hint or id_token_hint is required")
	}
	subject, err := c.resolver.ResolveHint(ctx, tenant.ID, loginHint, idTokenHint)
	if err != nil {
		return nil, idp.BadRequest("unknown_user_id", "user hint did not resolve to a known user")
	}

	userCode := form.Get("user_code")
	if client.BackchannelUserCodeParameter && server.CibaUserCodeSupport && userCode == "" {
		return nil, idp.BadRequest("missing_user_code", "user_code is required for this client")
	}

	now := time.Now().UTC()
	expiresIn := server.CibaDefaultExpiresIn
	if requested := form.Get("requested_expiry"); requested != "" {
		// Clients may shorten, never extend, the request lifetime.
		if v, err := parsePositiveSeconds(requested); err == nil && v < expiresIn {
			expiresIn = v
		}
	}

	// auth_req_id doubles as the request identifier.
	authReqID := security.GenerateToken()
	backchannelReq := &BackchannelAuthenticationRequest{
		ID:             authReqID,
		TenantID:       tenant.ID,
		ClientID:       client.ClientID,
		Scopes:         scopes,
		SubjectHint:    subject,
		BindingMessage: form.Get("binding_message"),
		UserCode:       userCode,
		ExpiresIn:      expiresIn,
		Interval:       server.CibaPollingInterval,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(expiresIn) * time.Second),
	}
	if err := c.requests.Register(ctx, backchannelReq); err != nil {
		return nil, err
	}

	cibaGrant := &Grant{
		AuthReqID: authReqID,
		TenantID:  tenant.ID,
		ClientID:  client.ClientID,
		Status:    StatusPending,
		Interval:  backchannelReq.Interval,
		ExpiresAt: backchannelReq.ExpiresAt,
		CreatedAt: now,
	}
	if err := c.grants.Register(ctx, cibaGrant); err != nil {
		return nil, err
	}

	c.auditor.LogEvent(security.Event{
		Type:     security.EventCibaRequested,
		TenantID: tenant.ID,
		ClientID: client.ClientID,
		Subject:  subject,
		Details:  map[string]any{"auth_req_id": cibaGrant.AuthReqID},
	})
	return backchannelReq, nil
}

// Authorize records the out-of-band approval, transitioning PENDING to
// AUTHORIZED with the consented grant. A grant already out of PENDING is
// left untouched and reported as invalid_grant.
func (c *Coordinator) Authorize(ctx context.Context, tenant *config.Tenant, client *config.ClientConfiguration,
	authReqID string, authorization grant.AuthorizationGrant) error {
	err := c.grants.UpdateStatus(ctx, tenant.ID, authReqID, StatusPending, StatusAuthorized, &authorization)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrGrantNotFound) {
			return idp.BadRequest(idp.ErrorCodeInvalidGrant, "backchannel grant is not pending")
		}
		return err
	}
	c.auditor.LogCibaTransition(tenant.ID, client.ClientID, authReqID, string(StatusPending), string(StatusAuthorized))
	c.notifyClient(ctx, client, authReqID)
	return nil
}

// Deny records the out-of-band rejection, transitioning PENDING to DENIED.
func (c *Coordinator) Deny(ctx context.Context, tenant *config.Tenant, client *config.ClientConfiguration, authReqID string) error {
	err := c.grants.UpdateStatus(ctx, tenant.ID, authReqID, StatusPending, StatusDenied, nil)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrGrantNotFound) {
			return idp.BadRequest(idp.ErrorCodeInvalidGrant, "backchannel grant is not pending")
		}
		return err
	}
	c.auditor.LogCibaTransition(tenant.ID, client.ClientID, authReqID, string(StatusPending), string(StatusDenied))
	c.notifyClient(ctx, client, authReqID)
	return nil
}

// HandlePoll answers one token endpoint poll for auth_req_id. Implements
// token.CibaPollDelegate.
//
// Order of checks: interval backpressure first, then expiry, then status.
// An AUTHORIZED grant is consumed atomically so tokens are delivered
// exactly once.
func (c *Coordinator) HandlePoll(ctx context.Context, tenant *config.Tenant, _ *config.ServerConfiguration,
	client *config.ClientConfiguration, authReqID string) (grant.AuthorizationGrant, error) {
	var zero grant.AuthorizationGrant

	g, err := c.grants.Find(ctx, tenant.ID, authReqID)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return zero, idp.BadRequest(idp.ErrorCodeInvalidGrant, "auth_req_id is unknown")
		}
		return zero, err
	}
	if g.ClientID != client.ClientID {
		return zero, idp.BadRequest(idp.ErrorCodeInvalidGrant, "auth_req_id is unknown")
	}

	now := time.Now().UTC()
	tooFast := !g.LastPolledAt.IsZero() && now.Sub(g.LastPolledAt) < time.Duration(g.Interval)*time.Second
	if err := c.grants.UpdatePollTime(ctx, tenant.ID, authReqID, now); err != nil {
		return zero, err
	}
	if tooFast {
		return zero, idp.BadRequest(idp.ErrorCodeSlowDown, "polled before the minimum interval elapsed")
	}

	if now.After(g.ExpiresAt) {
		// Best effort; an expired request answers expired_token whether or
		// not the status write lands.
		_ = c.grants.UpdateStatus(ctx, tenant.ID, authReqID, StatusPending, StatusExpired, nil)
		return zero, idp.BadRequest(idp.ErrorCodeExpiredToken, "backchannel request expired before token delivery")
	}

	switch g.Status {
	case StatusPending:
		return zero, idp.BadRequest(idp.ErrorCodeAuthorizationPending, "end user has not responded yet")
	case StatusDenied:
		return zero, idp.BadRequest(idp.ErrorCodeAccessDenied, "end user denied the request")
	case StatusAuthorized:
		consumed, err := c.grants.ConsumeAuthorized(ctx, tenant.ID, authReqID)
		if err != nil {
			if errors.Is(err, ErrStatusConflict) {
				// Another poll won the consumption race.
				return zero, idp.BadRequest(idp.ErrorCodeInvalidGrant, "auth_req_id was already redeemed")
			}
			return zero, err
		}
		c.auditor.LogCibaTransition(tenant.ID, client.ClientID, authReqID, string(StatusAuthorized), string(StatusConsumed))
		return *consumed.Authorization, nil
	default:
		return zero, idp.BadRequest(idp.ErrorCodeInvalidGrant, "auth_req_id was already redeemed")
	}
}

// notifyClient pings the client's notification endpoint in ping mode,
// bounded by notifyTimeout. Delivery failures are logged, never propagated:
// the poll path remains the source of truth.
func (c *Coordinator) notifyClient(ctx context.Context, client *config.ClientConfiguration, authReqID string) {
	if c.notifier == nil || client.BackchannelTokenDeliveryMode != config.CibaModePing ||
		client.BackchannelNotificationEndpoint == "" {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := c.notifier.Notify(notifyCtx, client.BackchannelNotificationEndpoint, authReqID); err != nil {
		c.logger.Warn("ciba client notification failed",
			"client_id", client.ClientID,
			"auth_req_id_prefix", utils.SafeTruncate(authReqID, 8),
			"error", err)
	}
}

func parsePositiveSeconds(raw string) (int64, error) {
	var v int64
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, errors.New("not a positive integer")
		}
		v = v*10 + int64(ch-'0')
	}
	if v == 0 {
		return 0, errors.New("not a positive integer")
	}
	return v, nil
}
