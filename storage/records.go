package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Key namespace prefixes. Every record type lives under its own prefix so
// backends sharing a database with other applications can be scoped with an
// additional backend-level prefix.
const (
	KeyPrefixClient   = "client:"
	KeyPrefixCSRF     = "csrf:"
	KeyPrefixCode     = "code:"
	KeyPrefixCodeUsed = "codeused:"
	KeyPrefixAccess   = "access:"
	KeyPrefixRefresh  = "refresh:"
	KeyPrefixRotated  = "rotated:"
	KeyPrefixFamily   = "family:"
	KeyPrefixGrant    = "grant:"
	KeyPrefixConsent  = "consent:"
)

// ClientKey returns the storage key for a registered client.
func ClientKey(clientID string) string { return KeyPrefixClient + clientID }

// CSRFKey returns the storage key for a consent-page CSRF token.
func CSRFKey(token string) string { return KeyPrefixCSRF + token }

// CodeKey returns the storage key for an authorization code.
func CodeKey(code string) string { return KeyPrefixCode + code }

// CodeUsedKey returns the storage key for the marker left behind after an
// authorization code has been redeemed. Re-presentation of the code hits
// this marker and triggers cascade revocation.
func CodeUsedKey(code string) string { return KeyPrefixCodeUsed + code }

// AccessTokenKey returns the storage key for an access token.
func AccessTokenKey(token string) string { return KeyPrefixAccess + token }

// RefreshTokenKey returns the storage key for a refresh token.
func RefreshTokenKey(token string) string { return KeyPrefixRefresh + token }

// RotatedKey returns the storage key for the marker left behind when a
// refresh token is rotated out. A lookup miss on the refresh key combined
// with a hit here means the token was already rotated: reuse.
func RotatedKey(token string) string { return KeyPrefixRotated + token }

// FamilyMemberKey returns the index key tying a refresh token to its family.
func FamilyMemberKey(familyID, refreshToken string) string {
	return KeyPrefixFamily + familyID + ":" + refreshToken
}

// FamilyPrefix returns the List prefix covering every member of a family.
func FamilyPrefix(familyID string) string { return KeyPrefixFamily + familyID + ":" }

// GrantKey returns the index key tying a token family to the user+client
// grant it was issued under. Used to cascade revocation when a user revokes
// consent for a client.
func GrantKey(userID, clientID, familyID string) string {
	return KeyPrefixGrant + userID + ":" + clientID + ":" + familyID
}

// GrantPrefix returns the List prefix covering every family issued under a
// user+client grant.
func GrantPrefix(userID, clientID string) string {
	return KeyPrefixGrant + userID + ":" + clientID + ":"
}

// ConsentKey returns the storage key for a user's consent to a client.
func ConsentKey(userID, clientID string) string {
	return KeyPrefixConsent + userID + ":" + clientID
}

// ConsentPrefix returns the List prefix covering all consents of a user.
func ConsentPrefix(userID string) string { return KeyPrefixConsent + userID + ":" }

// Client is a registered OAuth client. Clients are persisted without TTL and
// are immutable once registered except via re-registration.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"` // bcrypt
	RedirectURIs            []string  `json:"redirect_uris"`
	ClientName              string    `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates with the "none" method.
func (c *Client) IsPublic() bool { return c.TokenEndpointAuthMethod == "none" }

// CSRFState binds a consent-page CSRF token to the client and redirect URI
// it was issued for. Consumed exactly once on POST /authorize.
type CSRFState struct {
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthorizationCode is minted on consent approval and redeemed exactly once
// at the token endpoint.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	UserID              string    `json:"user_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// CodeUsedMarker records which grant a redeemed code produced, so that a
// second redemption attempt can revoke everything issued from it.
type CodeUsedMarker struct {
	FamilyID string `json:"family_id"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
}

// AccessToken is the record behind an issued opaque access token.
type AccessToken struct {
	ClientID        string    `json:"client_id"`
	UserID          string    `json:"user_id"`
	Scope           string    `json:"scope,omitempty"`
	UpstreamContext string    `json:"upstream_context,omitempty"` // encrypted
	FamilyID        string    `json:"family_id"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// RefreshToken is the record behind an issued opaque refresh token. It keeps
// a pointer to its paired access token so revocation can cascade.
type RefreshToken struct {
	ClientID        string    `json:"client_id"`
	UserID          string    `json:"user_id"`
	Scope           string    `json:"scope,omitempty"`
	UpstreamContext string    `json:"upstream_context,omitempty"` // encrypted
	FamilyID        string    `json:"family_id"`
	AccessToken     string    `json:"access_token"`
	Generation      int       `json:"generation"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// RotationMarker is left behind under the old refresh token key when a
// refresh token is rotated, enabling reuse detection.
type RotationMarker struct {
	FamilyID string `json:"family_id"`
}

// FamilyMember is the value stored under a family index key. It names the
// token pair to delete when the family is revoked.
type FamilyMember struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Consent records the scopes a user has approved for a client.
type Consent struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Encode serializes a record to its stored JSON form.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(data), nil
}

// Decode deserializes a stored JSON value into v.
func Decode(value string, v any) error {
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}
