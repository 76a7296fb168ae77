package server

import (
	"context"
	"errors"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/federation/oidc"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/security"
	"github.com/openidx/idp/session"
)

// EventFederatedLogin marks a completed upstream authentication.
const EventFederatedLogin = "federated_login"

// BeginFederation starts an upstream login for the browser session and
// returns the upstream authorization redirect. The state, nonce and PKCE
// verifier minted here are pinned to the session until the callback.
func (s *Server) BeginFederation(ctx context.Context, tenantID, sessionKey string) (string, error) {
	if _, _, err := s.resolveTenant(ctx, tenantID); err != nil {
		return "", err
	}
	provider := s.upstreamProvider(tenantID)
	if provider == nil {
		return "", idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"no upstream provider is configured for this tenant")
	}

	sess, err := s.stores.Sessions.Find(ctx, tenantID, sessionKey)
	if errors.Is(err, session.ErrSessionNotFound) {
		sess, err = s.sessions.Begin(ctx, tenantID, sessionKey)
	}
	if err != nil {
		return "", idp.ServerError("failed to load session: " + err.Error())
	}

	verifier := security.GenerateToken()
	sess.Federation = &session.FederationState{
		State:        security.GenerateToken(),
		Nonce:        security.GenerateToken(),
		CodeVerifier: verifier,
		StartedAt:    time.Now().UTC(),
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.stores.Sessions.Update(ctx, sess); err != nil {
		return "", idp.ServerError("failed to persist session: " + err.Error())
	}

	return provider.AuthorizationURL(ctx, sess.Federation.State, sess.Federation.Nonce,
		security.CalculateS256(verifier))
}

// CompleteFederation handles the upstream callback: it checks the state
// against the pending transaction, redeems the upstream code, and records
// the verified identity as the session's authentication event.
func (s *Server) CompleteFederation(ctx context.Context, tenantID, sessionKey, state, code string) error {
	if _, _, err := s.resolveTenant(ctx, tenantID); err != nil {
		return err
	}
	provider := s.upstreamProvider(tenantID)
	if provider == nil {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"no upstream provider is configured for this tenant")
	}

	sess, err := s.stores.Sessions.Find(ctx, tenantID, sessionKey)
	if err != nil || sess.Federation == nil {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"no upstream login is in progress for this session")
	}
	fed := sess.Federation
	if !security.ConstantTimeEqual(fed.State, state) {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest,
			"state does not match the pending upstream login")
	}

	identity, _, err := provider.Exchange(ctx, code, fed.CodeVerifier, fed.Nonce)
	if err != nil {
		return idp.BadRequest(idp.ErrorCodeAccessDenied,
			"upstream authentication failed: "+err.Error())
	}

	user := grant.User{Subject: identity.Subject, Name: identity.Name, Email: identity.Email}
	authentication := grant.Authentication{Time: time.Now().UTC(), Methods: []string{"fed"}}
	if !identity.AuthTime.IsZero() {
		authentication.Time = identity.AuthTime
	}

	sess.Federation = nil
	if err := s.sessions.Authenticate(ctx, sess, user, authentication); err != nil {
		return idp.ServerError("failed to update session: " + err.Error())
	}

	s.Auditor.LogEvent(security.Event{
		Type:     EventFederatedLogin,
		TenantID: tenantID,
		Subject:  identity.Subject,
	})
	return nil
}

func (s *Server) upstreamProvider(tenantID string) *oidc.Provider {
	return s.cfg.UpstreamProviders[tenantID]
}
