// Package ciba implements Client-Initiated Backchannel Authentication: the
// backchannel request endpoint, the out-of-band authorize/deny transitions,
// and the poll-based token delivery with interval backpressure.
package ciba

import (
	"context"
	"errors"
	"time"

	"github.com/openidx/idp/grant"
)

// Status is the CIBA grant state machine position. Terminal states are
// final; Consumed marks an authorized grant whose tokens were delivered.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusDenied     Status = "DENIED"
	StatusExpired    Status = "EXPIRED"
	StatusConsumed   Status = "CONSUMED"
)

// Terminal reports whether no further authorize/deny transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Sentinel errors shared by repository implementations.
var (
	// ErrGrantNotFound is returned when no grant matches the auth_req_id.
	ErrGrantNotFound = errors.New("ciba: grant not found")

	// ErrStatusConflict is returned by conditional updates when another
	// request already moved the grant out of the expected status.
	ErrStatusConflict = errors.New("ciba: grant status conflict")
)

// BackchannelAuthenticationRequest is one backchannel endpoint call, kept
// until it expires or its grant reaches a terminal state.
type BackchannelAuthenticationRequest struct {
	ID       string
	TenantID string
	ClientID string

	Scopes         []string
	SubjectHint    string // resolved from login_hint / id_token_hint
	BindingMessage string
	UserCode       string

	ExpiresIn int64 // seconds
	Interval  int64 // minimum seconds between polls

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Grant is one CIBA state machine instance, addressed by auth_req_id.
type Grant struct {
	AuthReqID string
	TenantID  string
	ClientID  string
	Status    Status

	// Authorization holds the consented grant once Status is AUTHORIZED.
	Authorization *grant.AuthorizationGrant

	Interval     int64
	ExpiresAt    time.Time
	LastPolledAt time.Time

	CreatedAt time.Time
}

// RequestRepository persists backchannel authentication requests.
type RequestRepository interface {
	Register(ctx context.Context, req *BackchannelAuthenticationRequest) error
	Find(ctx context.Context, tenantID, id string) (*BackchannelAuthenticationRequest, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// GrantRepository persists CIBA grants. Status transitions go through
// conditional updates so two concurrent transitions have exactly one
// winner.
type GrantRepository interface {
	Register(ctx context.Context, g *Grant) error

	// Find returns the grant for auth_req_id, or ErrGrantNotFound.
	Find(ctx context.Context, tenantID, authReqID string) (*Grant, error)

	// UpdateStatus transitions the grant from an expected status,
	// returning ErrStatusConflict when the current status differs.
	// authorization may carry the consented grant for AUTHORIZED.
	UpdateStatus(ctx context.Context, tenantID, authReqID string, from, to Status, authorization *grant.AuthorizationGrant) error

	// UpdatePollTime records the poll timestamp used for interval
	// backpressure.
	UpdatePollTime(ctx context.Context, tenantID, authReqID string, polledAt time.Time) error

	// ConsumeAuthorized atomically moves AUTHORIZED to CONSUMED and
	// returns the stored authorization; ErrStatusConflict when the grant
	// is in any other status.
	ConsumeAuthorized(ctx context.Context, tenantID, authReqID string) (*Grant, error)

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ClientNotificationGateway delivers ping-mode notifications to the
// client's registered notification endpoint. Implementations must be
// time-bounded; the coordinator treats failures as non-fatal.
type ClientNotificationGateway interface {
	Notify(ctx context.Context, endpoint, authReqID string) error
}

// SubjectResolver resolves the request's user hint to a subject. Identity
// lookup is an external collaborator.
type SubjectResolver interface {
	ResolveHint(ctx context.Context, tenantID, loginHint, idTokenHint string) (string, error)
}
