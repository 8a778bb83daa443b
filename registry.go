package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/aurelian-labs/oauthproxy/security"
	"github.com/aurelian-labs/oauthproxy/storage"
)

// ClientRegistry manages dynamic client registration (RFC 7591) and client
// authentication at the token endpoint.
type ClientRegistry struct {
	provider *Provider
}

// Register validates and persists a new client. The plaintext secret for
// confidential clients is returned exactly once in the response; only its
// bcrypt hash is stored.
func (r *ClientRegistry) Register(ctx context.Context, req *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	if req == nil || len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := r.validateRedirectURI(uri); err != nil {
			return nil, ErrInvalidRedirectURI(fmt.Sprintf("redirect_uri %q: %v", uri, err))
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodBasic
	}
	switch authMethod {
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                security.GenerateToken(),
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now,
	}

	var secret string
	if authMethod != TokenEndpointAuthMethodNone {
		secret = security.GenerateToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to hash client secret")
		}
		client.ClientSecretHash = string(hash)
	}

	value, err := storage.Encode(client)
	if err != nil {
		return nil, ErrServerError("failed to encode client record")
	}
	if err := r.provider.store.Put(ctx, storage.ClientKey(client.ClientID), value, nil); err != nil {
		r.provider.logger.Error("failed to persist client", "error", err)
		return nil, ErrServerError("failed to persist client")
	}

	r.provider.metrics.RecordClientRegistration(ctx, authMethod)

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0, // secrets do not expire
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		ClientName:              client.ClientName,
	}, nil
}

// Lookup fetches a registered client by ID.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("missing client_id")
	}
	value, err := r.provider.store.Get(ctx, storage.ClientKey(clientID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewOAuthError(ErrorCodeInvalidClient, "unknown client", 400)
	}
	if err != nil {
		r.provider.logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}
	var client storage.Client
	if err := storage.Decode(value, &client); err != nil {
		return nil, ErrServerError("corrupt client record")
	}
	return &client, nil
}

// Authenticate verifies client credentials at the token endpoint. Public
// clients must present no secret; confidential clients must present the one
// issued at registration.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		var oerr *OAuthError
		if errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidClient {
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, err
	}

	if client.IsPublic() {
		if clientSecret != "" {
			return nil, ErrInvalidClient("public client must not present a secret")
		}
		return client, nil
	}

	if clientSecret == "" {
		return nil, ErrInvalidClient("client secret is required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// ValidateRedirectURI checks a presented redirect URI against the client's
// registered URIs using exact string comparison. No wildcard, prefix, port
// or case normalization is applied.
func (r *ClientRegistry) ValidateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return ErrInvalidRequest("missing redirect_uri")
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return ErrInvalidRequest("redirect_uri does not match any registered URI")
}

func (r *ClientRegistry) validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("not a valid URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if r.provider.config.StrictMode {
			return fmt.Errorf("http is not allowed in strict mode")
		}
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("http is only allowed for loopback hosts")
		}
		return nil
	default:
		// Custom schemes (native app deep links) are accepted as-is.
		return nil
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
