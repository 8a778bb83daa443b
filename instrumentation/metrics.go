package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the proxy's metric instruments. All Record methods are safe
// to call on a nil receiver so instrumentation stays optional.
type Metrics struct {
	authorizationsStarted metric.Int64Counter
	consentDecisions      metric.Int64Counter
	codesIssued           metric.Int64Counter
	codeExchanges         metric.Int64Counter
	codeReuseDetected     metric.Int64Counter
	tokenRefreshes        metric.Int64Counter
	refreshReuseDetected  metric.Int64Counter
	tokensRevoked         metric.Int64Counter
	clientsRegistered     metric.Int64Counter
	httpDuration          metric.Float64Histogram
	storageDuration       metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	if m.authorizationsStarted, err = meter.Int64Counter(
		"oauth.authorizations.started",
		metric.WithDescription("Authorization flows started"),
	); err != nil {
		return nil, fmt.Errorf("authorizations.started: %w", err)
	}

	if m.consentDecisions, err = meter.Int64Counter(
		"oauth.consent.decisions",
		metric.WithDescription("Consent approvals and denials"),
	); err != nil {
		return nil, fmt.Errorf("consent.decisions: %w", err)
	}

	if m.codesIssued, err = meter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Authorization codes minted"),
	); err != nil {
		return nil, fmt.Errorf("codes.issued: %w", err)
	}

	if m.codeExchanges, err = meter.Int64Counter(
		"oauth.codes.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens"),
	); err != nil {
		return nil, fmt.Errorf("codes.exchanged: %w", err)
	}

	if m.codeReuseDetected, err = meter.Int64Counter(
		"oauth.codes.reuse_detected",
		metric.WithDescription("Authorization code reuse attempts"),
	); err != nil {
		return nil, fmt.Errorf("codes.reuse_detected: %w", err)
	}

	if m.tokenRefreshes, err = meter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Refresh token rotations"),
	); err != nil {
		return nil, fmt.Errorf("tokens.refreshed: %w", err)
	}

	if m.refreshReuseDetected, err = meter.Int64Counter(
		"oauth.tokens.refresh_reuse_detected",
		metric.WithDescription("Rotated refresh token reuse attempts"),
	); err != nil {
		return nil, fmt.Errorf("tokens.refresh_reuse_detected: %w", err)
	}

	if m.tokensRevoked, err = meter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Tokens revoked"),
	); err != nil {
		return nil, fmt.Errorf("tokens.revoked: %w", err)
	}

	if m.clientsRegistered, err = meter.Int64Counter(
		"oauth.clients.registered",
		metric.WithDescription("Dynamic client registrations"),
	); err != nil {
		return nil, fmt.Errorf("clients.registered: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"oauth.http.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("http.duration: %w", err)
	}

	if m.storageDuration, err = meter.Float64Histogram(
		"oauth.storage.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("storage.duration: %w", err)
	}

	return m, nil
}

// RecordAuthorizationStarted counts a new authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.authorizationsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordConsentDecision counts an approve or deny decision.
func (m *Metrics) RecordConsentDecision(ctx context.Context, approved bool) {
	if m == nil {
		return
	}
	m.consentDecisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}

// RecordCodeIssued counts a minted authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCodeExchange counts a successful code-to-token exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.codeExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeReuseDetected counts a redeemed-code replay attempt.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.codeReuseDetected.Add(ctx, 1)
}

// RecordTokenRefresh counts a refresh rotation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordRefreshReuseDetected counts a rotated-refresh-token replay attempt.
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.refreshReuseDetected.Add(ctx, 1)
}

// RecordTokenRevocation counts a token revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.tokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordClientRegistration counts a dynamic client registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	if m == nil {
		return
	}
	m.clientsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("auth_method", authMethod)))
}

// RecordHTTPRequest records endpoint latency and status.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status),
	))
}

// RecordStorageOperation records storage call latency and outcome.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.storageDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}
