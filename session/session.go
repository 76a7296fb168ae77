// Package session tracks interactive authentication and consent state
// between authorization request and grant creation. All persistence goes
// through an injected store delegate; the coordinator itself is stateless.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
)

// Status is the interaction state machine position.
type Status string

const (
	StatusNoSession      Status = "NO_SESSION"
	StatusAuthenticating Status = "AUTHENTICATING"
	StatusConsenting     Status = "CONSENTING"
	StatusCompleted      Status = "COMPLETED"
)

// ErrSessionNotFound is returned by stores when no session exists for a key.
var ErrSessionNotFound = errors.New("session: not found")

// OAuthSession is the interactive state for one browser session within a
// tenant. Updated across interaction steps, deleted on completion or expiry.
type OAuthSession struct {
	Key      string
	TenantID string
	Status   Status

	User           grant.User
	Authentication grant.Authentication

	// Federation is the pending upstream login transaction, nil when no
	// upstream login is in flight.
	Federation *FederationState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FederationState binds an upstream authorization redirect to the session
// that initiated it. State is checked on callback; Nonce and CodeVerifier
// feed the upstream ID token and PKCE checks.
type FederationState struct {
	State        string
	Nonce        string
	CodeVerifier string
	StartedAt    time.Time
}

// Authenticated reports whether the session carries a completed
// authentication event.
func (s *OAuthSession) Authenticated() bool {
	return s != nil && s.User.Subject != "" && !s.Authentication.Time.IsZero()
}

// Store is the session-store delegate. The coordinator issues only
// register/find/update/delete calls; storage lives outside the core.
type Store interface {
	Find(ctx context.Context, tenantID, key string) (*OAuthSession, error)
	Register(ctx context.Context, session *OAuthSession) error
	Update(ctx context.Context, session *OAuthSession) error
	Delete(ctx context.Context, tenantID, key string) error
}

// Decision is the coordinator's verdict on an authorization request given
// the current session.
type Decision struct {
	Status Status
	// Session is the session the decision refers to; nil when no session
	// exists yet.
	Session *OAuthSession
}

// Coordinator decides whether a cached authentication satisfies the request
// and advances the interaction state machine.
type Coordinator struct {
	store Store
}

// NewCoordinator creates a session coordinator over the store delegate.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// Evaluate inspects the existing session against the request's prompt,
// max_age, and acr_values. prompt=login always forces re-authentication;
// prompt=none with no satisfying session is a login_required error
// delivered via redirect.
func (c *Coordinator) Evaluate(ctx context.Context, sessionKey string, req *request.AuthorizationRequest) (Decision, error) {
	now := time.Now().UTC()

	sess, err := c.store.Find(ctx, req.TenantID, sessionKey)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return Decision{}, err
	}

	satisfied := sess.Authenticated() &&
		sess.Authentication.SatisfiesMaxAge(req.MaxAge, now) &&
		sess.Authentication.SatisfiesACR(req.ACRValues) &&
		!req.PromptContains("login")

	if !satisfied {
		if req.PromptContains("none") {
			return Decision{}, idp.RedirectableBadRequest(idp.ErrorCodeLoginRequired,
				"prompt=none but no satisfying authentication exists")
		}
		if sess == nil {
			return Decision{Status: StatusNoSession}, nil
		}
		sess.Status = StatusAuthenticating
		sess.UpdatedAt = now
		if err := c.store.Update(ctx, sess); err != nil {
			return Decision{}, err
		}
		return Decision{Status: StatusAuthenticating, Session: sess}, nil
	}

	sess.Status = StatusConsenting
	sess.UpdatedAt = now
	if err := c.store.Update(ctx, sess); err != nil {
		return Decision{}, err
	}
	return Decision{Status: StatusConsenting, Session: sess}, nil
}

// Begin registers a fresh session entering authentication.
func (c *Coordinator) Begin(ctx context.Context, tenantID, sessionKey string) (*OAuthSession, error) {
	now := time.Now().UTC()
	sess := &OAuthSession{
		Key:       sessionKey,
		TenantID:  tenantID,
		Status:    StatusAuthenticating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Register(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authenticate records a successful authentication event on the session and
// moves it to consenting.
func (c *Coordinator) Authenticate(ctx context.Context, sess *OAuthSession, user grant.User, authentication grant.Authentication) error {
	sess.User = user
	sess.Authentication = authentication
	sess.Status = StatusConsenting
	sess.UpdatedAt = time.Now().UTC()
	return c.store.Update(ctx, sess)
}

// Complete marks the session completed and returns the (user,
// authentication) pair the grant manager consumes.
func (c *Coordinator) Complete(ctx context.Context, sess *OAuthSession) (grant.User, grant.Authentication, error) {
	if !sess.Authenticated() {
		return grant.User{}, grant.Authentication{}, idp.ServerError("completing session without authentication")
	}
	sess.Status = StatusCompleted
	sess.UpdatedAt = time.Now().UTC()
	if err := c.store.Update(ctx, sess); err != nil {
		return grant.User{}, grant.Authentication{}, err
	}
	return sess.User, sess.Authentication, nil
}

// End deletes the session from the store.
func (c *Coordinator) End(ctx context.Context, tenantID, sessionKey string) error {
	return c.store.Delete(ctx, tenantID, sessionKey)
}
