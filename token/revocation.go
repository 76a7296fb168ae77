package token

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openidx/idp"
	"github.com/openidx/idp/security"
)

// RevocationService invalidates issued credential sets (RFC 7009).
type RevocationService struct {
	tokens  Repository
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewRevocationService creates the revocation service.
func NewRevocationService(tokens Repository, auditor *security.Auditor, logger *slog.Logger) *RevocationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationService{tokens: tokens, auditor: auditor, logger: logger}
}

// Revoke deletes the credential set holding tokenValue as access or refresh
// token. Unknown or already-revoked tokens succeed silently (RFC 7009 2.2);
// a missing token parameter is the only error.
//
// Revoking either token value of a set invalidates the whole set: access
// and refresh tokens share one grant and fall together.
func (s *RevocationService) Revoke(ctx context.Context, tenantID, tokenValue string) error {
	if tokenValue == "" {
		return idp.BadRequest(idp.ErrorCodeInvalidRequest, "token is required")
	}

	t, err := s.tokens.FindByAccessToken(ctx, tenantID, tokenValue)
	if errors.Is(err, ErrTokenNotFound) {
		t, err = s.tokens.FindByRefreshToken(ctx, tenantID, tokenValue)
	}
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.tokens.Delete(ctx, tenantID, t.ID); err != nil {
		return err
	}
	s.auditor.LogEvent(security.Event{
		Type:     security.EventTokenRevoked,
		TenantID: tenantID,
		ClientID: t.Grant.ClientID,
		Subject:  t.Grant.Subject,
	})
	s.logger.Debug("token revoked", "tenant_id", tenantID, "token_id", t.ID)
	return nil
}
