package security

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// GenerateToken returns a cryptographically secure opaque token with 256
// bits of entropy encoded as base64url without padding. The same generator
// is used for client IDs, authorization codes, CSRF tokens, and access and
// refresh tokens.
func GenerateToken() string {
	// Same generation method as PKCE verifiers, which guarantees the
	// RFC 7636 length and character-set requirements.
	return oauth2.GenerateVerifier()
}

// ConstantTimeEquals compares two strings in constant time to avoid leaking
// secret values through timing side channels.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
