package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Attributes carry metadata only; never the actual
// codes, tokens or secrets.
const (
	AttrTenantID     = "idp.tenant_id"
	AttrClientID     = "idp.client_id"
	AttrProfile      = "idp.profile"
	AttrGrantType    = "idp.grant_type"
	AttrResponseType = "idp.response_type"
	AttrScope        = "idp.scope"
	AttrPKCEMethod   = "idp.pkce.method"
	AttrAuthMethod   = "idp.client_auth.method"
	AttrError        = "idp.error"
)

// RecordError records err on the span with an error status. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span as successful. Nil-safe.
func SetOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Tenant returns a tenant attribute.
func Tenant(tenantID string) attribute.KeyValue {
	return attribute.String(AttrTenantID, tenantID)
}

// Client returns a client attribute.
func Client(clientID string) attribute.KeyValue {
	return attribute.String(AttrClientID, clientID)
}
