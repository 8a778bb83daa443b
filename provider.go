// Package oauth implements an OAuth 2.1 authorization-server proxy: it owns
// client registration, the authorization-code flow with PKCE and CSRF
// protection, refresh-token rotation with family-wide reuse detection, token
// introspection and revocation, and server metadata discovery, while
// delegating the actual upstream credential exchange to an embedder-supplied
// callback. All state lives behind the storage.Store interface.
package oauth

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/aurelian-labs/oauthproxy/instrumentation"
	"github.com/aurelian-labs/oauthproxy/security"
	"github.com/aurelian-labs/oauthproxy/storage"
)

// Provider is the authorization server core. It is safe for concurrent use.
type Provider struct {
	config    *Config
	store     storage.Store
	encryptor *security.Encryptor
	auditor   *security.Auditor
	registry  *ClientRegistry
	consents  *ConsentManager
	metrics   *instrumentation.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates a Provider backed by the given store. The config must carry at
// least Issuer and ExchangeToken.
func New(store storage.Store, config *Config) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initializing encryptor: %w", err)
	}

	auditor := security.NewAuditor(cfg.Logger, cfg.EnableAuditLog)

	inst := cfg.Instrumentation
	if inst == nil {
		// Global otel providers are no-ops until the embedder installs
		// real ones, so this costs nothing by default.
		inst, err = instrumentation.New(instrumentation.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("initializing instrumentation: %w", err)
		}
	}

	p := &Provider{
		config:    cfg,
		store:     store,
		encryptor: encryptor,
		auditor:   auditor,
		metrics:   inst.Metrics(),
		tracer:    inst.Tracer("oauth"),
		logger:    cfg.Logger,
	}
	p.registry = &ClientRegistry{provider: p}
	p.consents = &ConsentManager{provider: p}
	return p, nil
}

// Registry returns the client registry.
func (p *Provider) Registry() *ClientRegistry { return p.registry }

// Consents returns the consent manager.
func (p *Provider) Consents() *ConsentManager { return p.consents }

// Metadata returns the RFC 8414 authorization server metadata document for
// this provider.
func (p *Provider) Metadata() *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                 p.config.Issuer,
		AuthorizationEndpoint:  p.config.Issuer + "/authorize",
		TokenEndpoint:          p.config.Issuer + "/token",
		RegistrationEndpoint:   p.config.Issuer + "/register",
		IntrospectionEndpoint:  p.config.Issuer + "/introspect",
		RevocationEndpoint:     p.config.Issuer + "/revoke",
		ScopesSupported:        p.config.SupportedScopes,
		ResponseTypesSupported: []string{ResponseTypeCode},
		GrantTypesSupported:    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{
			security.CodeChallengeMethodS256,
			security.CodeChallengeMethodPlain,
		},
		AuthorizationResponseIssParameterSupported: true,
	}
}
