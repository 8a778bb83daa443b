package security

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE code challenge methods per RFC 7636.
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

// ValidCodeChallengeMethod reports whether method is a supported PKCE
// challenge method.
func ValidCodeChallengeMethod(method string) bool {
	return method == CodeChallengeMethodS256 || method == CodeChallengeMethodPlain
}

// ComputeS256Challenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validateVerifierFormat enforces the RFC 7636 constraints on code
// verifiers: 43-128 characters from [A-Za-z0-9-._~].
func validateVerifierFormat(verifier string) error {
	if len(verifier) < 43 {
		return fmt.Errorf("code_verifier must be at least 43 characters")
	}
	if len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be at most 128 characters")
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// VerifyPKCE checks a code verifier against the challenge bound to an
// authorization code. The comparison is constant-time for both methods.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case CodeChallengeMethodS256:
		computed = ComputeS256Challenge(verifier)
	case CodeChallengeMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if !ConstantTimeEquals(computed, challenge) {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
