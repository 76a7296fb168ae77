package request

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no authorization request matches the lookup.
var ErrNotFound = errors.New("request: authorization request not found")

// Repository persists authorization requests for the span of the
// interaction. Requests are immutable; the only writes are register and
// delete.
type Repository interface {
	Register(ctx context.Context, req *AuthorizationRequest) error

	// Find returns the request for (tenant, id), or ErrNotFound.
	Find(ctx context.Context, tenantID, id string) (*AuthorizationRequest, error)

	Delete(ctx context.Context, tenantID, id string) error

	// DeleteExpired removes abandoned requests; driven by an external
	// sweep job.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
