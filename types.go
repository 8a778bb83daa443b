package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token endpoint authentication methods supported at registration.
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// ResponseTypeCode is the only supported response type (no implicit flow).
const ResponseTypeCode = "code"

const tokenTypeBearer = "bearer"

// ExchangeRequest is passed to the embedder's token-exchange callback. On an
// authorization-code exchange Context is nil; on a refresh it carries the
// decrypted upstream credential bag from the refresh token being rotated.
type ExchangeRequest struct {
	// GrantType is "authorization_code" or "refresh_token".
	GrantType string

	// Context is the upstream credential payload as last returned by the
	// callback. The proxy never interprets it.
	Context json.RawMessage
}

// ExchangeResult is returned by the token-exchange callback.
type ExchangeResult struct {
	// Context is the new upstream credential payload to store (encrypted)
	// inside the issued token records.
	Context json.RawMessage

	// AccessTokenTTL optionally overrides the configured access token
	// lifetime for this issuance. Zero means use the configured default.
	AccessTokenTTL time.Duration
}

// ExchangeFunc mediates the upstream OAuth exchange. It is invoked on every
// authorization-code and refresh-token grant. Errors propagate to the client
// as invalid_grant.
type ExchangeFunc func(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error)

// AuthenticateFunc resolves the authenticated end-user for a request to the
// authorization or consent endpoints. Session handling is the embedder's
// concern; the proxy only needs a stable user identifier.
type AuthenticateFunc func(r *http.Request) (userID string, err error)

// ConsentData is the information handed to the consent renderer. All fields
// except CSRFToken echo the (validated) authorization request and must be
// submitted back as form fields on POST /authorize.
type ConsentData struct {
	ClientID            string
	ClientName          string
	RedirectURI         string
	Scope               string
	Scopes              []string // Scope split into individual values, for display
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CSRFToken           string
	UserID              string
}

// ConsentRenderer renders the consent page. The default HTML template is
// used when the embedder does not supply one.
type ConsentRenderer func(w http.ResponseWriter, r *http.Request, data *ConsentData) error

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// IntrospectionResponse represents an OAuth 2.0 token introspection response
// (RFC 7662). Unknown or expired tokens yield Active=false and nothing else.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	RegistrationEndpoint                       string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported,omitempty"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// ClientRegistrationRequest represents a dynamic client registration request
// (RFC 7591)
type ClientRegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs for use in
	// redirect-based flows (required, exact-match validated)
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the requested authentication method for
	// the token endpoint (default "client_secret_basic")
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`
}

// ClientRegistrationResponse represents a dynamic client registration
// response
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
}

// ConsentInfo describes one recorded consent in the consent listing.
type ConsentInfo struct {
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name,omitempty"`
	Scopes     []string  `json:"scopes"`
	GrantedAt  time.Time `json:"granted_at"`
}

// ConsentListResponse is the body of GET /consents.
type ConsentListResponse struct {
	Consents []ConsentInfo `json:"consents"`
}

// TokenInfo is the result of validating a bearer token. UpstreamContext is
// the decrypted upstream credential payload ready for injection into the
// request context.
type TokenInfo struct {
	UserID          string
	ClientID        string
	Scope           string
	ExpiresAt       time.Time
	UpstreamContext json.RawMessage
}
