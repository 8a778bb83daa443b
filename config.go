package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aurelian-labs/oauthproxy/instrumentation"
)

// Default token lifetimes.
const (
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultCSRFTokenTTL         = 10 * time.Minute

	// DefaultRotationMarkerTTL bounds how long a consumed refresh token or
	// authorization code is remembered for reuse detection.
	DefaultRotationMarkerTTL = 24 * time.Hour
)

// RateLimitConfig configures per-IP rate limiting on the token and
// registration endpoints. A zero RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Config holds the provider configuration. Issuer and ExchangeToken are
// required; everything else has a sensible default.
type Config struct {
	// Issuer is the canonical base URL of this authorization server, e.g.
	// "https://auth.example.com". It is echoed as the iss parameter on
	// every authorization response and anchors the discovery document.
	Issuer string

	// SupportedScopes is the set of scopes clients may request. Empty
	// means any scope is accepted.
	SupportedScopes []string

	// StrictMode enforces OAuth 2.1 requirements: PKCE is mandatory for
	// public clients and http redirect URIs are rejected even on loopback.
	StrictMode bool

	// ExchangeToken mediates the upstream exchange on every code and
	// refresh grant. Required.
	ExchangeToken ExchangeFunc

	// Authenticate resolves the end-user on the authorization and consent
	// endpoints. Required when serving HTTP through Handler.
	Authenticate AuthenticateFunc

	// RenderConsent overrides the built-in consent page.
	RenderConsent ConsentRenderer

	// EncryptionKey is a 32-byte AES-256 key used to encrypt upstream
	// context payloads at rest. Nil stores them base64-encoded only.
	EncryptionKey []byte

	// Token lifetimes. Zero values use the defaults above.
	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	CSRFTokenTTL         time.Duration
	RotationMarkerTTL    time.Duration

	// RateLimit configures per-IP limiting on token and registration
	// endpoints.
	RateLimit RateLimitConfig

	// TrustProxy enables X-Forwarded-For / X-Real-IP resolution for rate
	// limiting and audit logging. Enable only behind a trusted proxy.
	TrustProxy bool

	// EnableAuditLog emits structured security audit events.
	EnableAuditLog bool

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation provides tracing and metrics. Nil falls back to the
	// global OpenTelemetry providers, which are no-ops unless installed.
	Instrumentation *instrumentation.Instrumentation
}

func (c *Config) withDefaults() (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("config is required")
	}
	out := *c

	if out.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(out.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("issuer must be an absolute URL: %q", out.Issuer)
	}
	out.Issuer = strings.TrimRight(out.Issuer, "/")

	if out.ExchangeToken == nil {
		return nil, fmt.Errorf("ExchangeToken callback is required")
	}

	if out.AuthorizationCodeTTL <= 0 {
		out.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if out.CSRFTokenTTL <= 0 {
		out.CSRFTokenTTL = DefaultCSRFTokenTTL
	}
	if out.RotationMarkerTTL <= 0 {
		out.RotationMarkerTTL = DefaultRotationMarkerTTL
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out, nil
}

// ttlSeconds converts a duration to whole seconds for storage expiration,
// rounding up so short-lived records never get a zero TTL.
func ttlSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}
