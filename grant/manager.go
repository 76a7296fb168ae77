package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrGrantedNotFound is returned by repositories when no cumulative consent
// exists for the (tenant, client, subject) triple.
var ErrGrantedNotFound = errors.New("grant: authorization granted record not found")

// GrantedRepository persists the cumulative consent records.
type GrantedRepository interface {
	// Find returns the record for (tenant, client, subject), or
	// ErrGrantedNotFound.
	Find(ctx context.Context, tenantID, clientID, subject string) (*AuthorizationGranted, error)

	// Register stores a new record.
	Register(ctx context.Context, granted *AuthorizationGranted) error

	// Update rewrites an existing record.
	Update(ctx context.Context, granted *AuthorizationGranted) error
}

// Manager creates grants from interaction outcomes and folds them into the
// durable consent records.
type Manager struct {
	repo GrantedRepository
}

// NewManager creates a grant manager over the given repository.
func NewManager(repo GrantedRepository) *Manager {
	return &Manager{repo: repo}
}

// Create builds an AuthorizationGrant from a completed interaction.
func (m *Manager) Create(tenantID, clientID string, user User, authentication Authentication,
	consentedScopes, consentedClaims []string, authorizationDetails string) AuthorizationGrant {
	return AuthorizationGrant{
		TenantID:             tenantID,
		ClientID:             clientID,
		Subject:              user.Subject,
		User:                 user,
		Authentication:       authentication,
		Scopes:               append([]string(nil), consentedScopes...),
		Claims:               append([]string(nil), consentedClaims...),
		AuthorizationDetails: authorizationDetails,
		ConsentedAt:          time.Now().UTC(),
	}
}

// MergeWithExisting folds the grant into the cumulative record for its
// (tenant, client, subject), creating the record on first consent.
func (m *Manager) MergeWithExisting(ctx context.Context, g AuthorizationGrant) (*AuthorizationGranted, error) {
	existing, err := m.repo.Find(ctx, g.TenantID, g.ClientID, g.Subject)
	switch {
	case errors.Is(err, ErrGrantedNotFound):
		granted := &AuthorizationGranted{
			ID:       uuid.NewString(),
			TenantID: g.TenantID,
			ClientID: g.ClientID,
			Subject:  g.Subject,
		}
		granted.Merge(g)
		if err := m.repo.Register(ctx, granted); err != nil {
			return nil, fmt.Errorf("register authorization granted: %w", err)
		}
		return granted, nil
	case err != nil:
		return nil, fmt.Errorf("find authorization granted: %w", err)
	}

	existing.Merge(g)
	if err := m.repo.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("update authorization granted: %w", err)
	}
	return existing, nil
}
