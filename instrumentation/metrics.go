package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pre-configured metric instruments.
//
// Never record actual credential values (codes, tokens, secrets) as
// attributes; only metadata such as grant types, profiles and results.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization endpoint
	AuthorizationRequestsTotal metric.Int64Counter
	AuthorizationRejectedTotal metric.Int64Counter

	// Token endpoint
	TokensIssuedTotal        metric.Int64Counter
	IntrospectionsTotal      metric.Int64Counter
	RevocationsTotal         metric.Int64Counter
	ClientAuthFailuresTotal  metric.Int64Counter
	CodeReplayDetected       metric.Int64Counter
	RefreshRotationConflicts metric.Int64Counter

	// Backchannel (CIBA)
	BackchannelRequestsTotal      metric.Int64Counter
	BackchannelPollsTotal         metric.Int64Counter
	BackchannelNotificationsTotal metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	authMeter := inst.Meter("authorization")
	tokenMeter := inst.Meter("token")
	cibaMeter := inst.Meter("ciba")
	securityMeter := inst.Meter("security")

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests processed"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthorizationRequestsTotal, err = authMeter.Int64Counter(
		"authorization.requests.total",
		metric.WithDescription("Authorization requests accepted by the verifier chain"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthorizationRejectedTotal, err = authMeter.Int64Counter(
		"authorization.rejected.total",
		metric.WithDescription("Authorization requests rejected by the verifier chain"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensIssuedTotal, err = tokenMeter.Int64Counter(
		"token.issued.total",
		metric.WithDescription("Tokens issued by grant type"),
	)
	if err != nil {
		return nil, err
	}

	m.IntrospectionsTotal, err = tokenMeter.Int64Counter(
		"token.introspections.total",
		metric.WithDescription("Introspection requests by active result"),
	)
	if err != nil {
		return nil, err
	}

	m.RevocationsTotal, err = tokenMeter.Int64Counter(
		"token.revocations.total",
		metric.WithDescription("Revocation requests processed"),
	)
	if err != nil {
		return nil, err
	}

	m.ClientAuthFailuresTotal, err = tokenMeter.Int64Counter(
		"token.client_auth_failures.total",
		metric.WithDescription("Client authentication failures by method"),
	)
	if err != nil {
		return nil, err
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"security.code_replay.total",
		metric.WithDescription("Authorization code replay attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RefreshRotationConflicts, err = securityMeter.Int64Counter(
		"security.refresh_rotation_conflicts.total",
		metric.WithDescription("Concurrent refresh token rotation conflicts"),
	)
	if err != nil {
		return nil, err
	}

	m.BackchannelRequestsTotal, err = cibaMeter.Int64Counter(
		"ciba.requests.total",
		metric.WithDescription("Backchannel authentication requests accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.BackchannelPollsTotal, err = cibaMeter.Int64Counter(
		"ciba.polls.total",
		metric.WithDescription("Backchannel token polls by result"),
	)
	if err != nil {
		return nil, err
	}

	m.BackchannelNotificationsTotal, err = cibaMeter.Int64Counter(
		"ciba.notifications.total",
		metric.WithDescription("Ping-mode client notifications by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"security.rate_limit_exceeded.total",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records a verifier-chain outcome.
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, tenantID, profile string, accepted bool) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("profile", profile),
	)
	if accepted {
		m.AuthorizationRequestsTotal.Add(ctx, 1, attrs)
	} else {
		m.AuthorizationRejectedTotal.Add(ctx, 1, attrs)
	}
}

// RecordTokenIssued records a successful token issuance.
func (m *Metrics) RecordTokenIssued(ctx context.Context, tenantID, grantType string) {
	m.TokensIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("grant_type", grantType),
	))
}

// RecordIntrospection records an introspection result.
func (m *Metrics) RecordIntrospection(ctx context.Context, tenantID string, active bool) {
	m.IntrospectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.Bool("active", active),
	))
}

// RecordRevocation records a revocation request.
func (m *Metrics) RecordRevocation(ctx context.Context, tenantID string) {
	m.RevocationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
	))
}

// RecordClientAuthFailure records a failed client authentication.
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, tenantID, method string) {
	m.ClientAuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("method", method),
	))
}

// RecordCodeReplay records an authorization code replay attempt.
func (m *Metrics) RecordCodeReplay(ctx context.Context, tenantID string) {
	m.CodeReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
	))
}

// RecordBackchannelRequest records an accepted backchannel request.
func (m *Metrics) RecordBackchannelRequest(ctx context.Context, tenantID string) {
	m.BackchannelRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
	))
}

// RecordBackchannelPoll records one token poll and its outcome
// ("issued", "pending", "slow_down", "denied", "expired").
func (m *Metrics) RecordBackchannelPoll(ctx context.Context, tenantID, result string) {
	m.BackchannelPollsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("result", result),
	))
}

// RecordBackchannelNotification records a ping-mode delivery attempt.
func (m *Metrics) RecordBackchannelNotification(ctx context.Context, tenantID string, success bool) {
	m.BackchannelNotificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.Bool("success", success),
	))
}

// RecordRateLimitExceeded records a rate limit rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}
