package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records err on the span and marks the span failed.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span successful.
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddFlowAttributes annotates a span with OAuth flow identifiers. User IDs
// are never attached raw; callers pass a hashed identifier.
func AddFlowAttributes(span trace.Span, clientID, userIDHash, scope string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("oauth.client_id", clientID),
		attribute.String("oauth.user_id_hash", userIDHash),
		attribute.String("oauth.scope", scope),
	)
}

// AddGrantAttributes annotates a span with the grant type being processed.
func AddGrantAttributes(span trace.Span, grantType string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("oauth.grant_type", grantType))
}
