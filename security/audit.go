package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types. Constants keep event names consistent across the
// codebase and make log queries reliable.
const (
	EventAuthorizationStarted = "authorization_started"
	EventConsentGranted       = "consent_granted"
	EventConsentDenied        = "consent_denied"
	EventConsentRevoked       = "consent_revoked"
	EventCodeIssued           = "authorization_code_issued"
	EventCodeReuseDetected    = "authorization_code_reuse_detected"
	EventRefreshReuseDetected = "refresh_token_reuse_detected"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventFamilyRevoked        = "token_family_revoked"
	EventClientRegistered     = "client_registered"
	EventAuthFailure          = "auth_failure"
	EventCSRFValidationFailed = "csrf_validation_failed"
	EventPKCEValidationFailed = "pkce_validation_failed"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// Event is a single security audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// Auditor writes security events to the structured log with user IDs hashed
// so the audit trail never carries raw PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When enabled is false all logging calls are
// no-ops, so callers never need nil checks around hot paths.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// LogEvent records a security event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthFailure records an authentication or validation failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued records issuance of a new token pair.
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed records a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"generation": generation},
	})
}

// LogFamilyRevoked records revocation of an entire refresh-token family.
func (a *Auditor) LogFamilyRevoked(userID, clientID, familyID, reason string) {
	a.LogEvent(Event{
		Type:     EventFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "reason": reason},
	})
}

// LogClientRegistered records a new client registration.
func (a *Auditor) LogClientRegistered(clientID, authMethod, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_endpoint_auth_method": authMethod},
	})
}

// HashIdentifier produces the short digest used for sensitive identifiers in
// logs and telemetry attributes.
func HashIdentifier(value string) string {
	return hashForLogging(value)
}

// hashForLogging produces a short, stable digest of sensitive identifiers.
// Empty values stay empty so log queries can distinguish "absent" cleanly.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
