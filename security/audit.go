package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventAuthorizationRequested = "authorization_requested"
	EventVerificationFailed     = "verification_failed"
	EventCodeIssued             = "authorization_code_issued"
	EventCodeReplayed           = "authorization_code_replayed"
	EventTokenIssued            = "token_issued"
	EventTokenRefreshed         = "token_refreshed"
	EventTokenRevoked           = "token_revoked"
	EventClientAuthFailed       = "client_auth_failed"
	EventConsentGranted         = "consent_granted"
	EventCibaRequested          = "ciba_requested"
	EventCibaTransition         = "ciba_transition"
	EventRateLimitExceeded      = "rate_limit_exceeded"
)

// Auditor logs security-relevant events with hashed subject identifiers so
// audit trails never carry raw PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record. Subject is hashed before logging.
type Event struct {
	Type     string
	TenantID string
	ClientID string
	Subject  string
	Details  map[string]any
}

// LogEvent writes the event to the audit log.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"client_id", event.ClientID,
		"subject_hash", hashForLogging(event.Subject),
		"details", event.Details,
		"timestamp", time.Now().UTC(),
	)
}

// LogClientAuthFailure logs a failed client authentication attempt.
func (a *Auditor) LogClientAuthFailure(tenantID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventClientAuthFailed,
		TenantID: tenantID,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs token issuance for a grant type.
func (a *Auditor) LogTokenIssued(tenantID, clientID, subject, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		TenantID: tenantID,
		ClientID: clientID,
		Subject:  subject,
		Details:  map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// LogCodeReplayed logs a second exchange attempt for a consumed code.
func (a *Auditor) LogCodeReplayed(tenantID, clientID string) {
	a.LogEvent(Event{
		Type:     EventCodeReplayed,
		TenantID: tenantID,
		ClientID: clientID,
		Details:  map[string]any{"severity": "critical"},
	})
}

// LogCibaTransition logs a CIBA grant status change.
func (a *Auditor) LogCibaTransition(tenantID, clientID, authReqID, from, to string) {
	a.LogEvent(Event{
		Type:     EventCibaTransition,
		TenantID: tenantID,
		ClientID: clientID,
		Details:  map[string]any{"auth_req_id": authReqID, "from": from, "to": to},
	})
}

// hashForLogging hashes sensitive identifiers for audit output.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
