package oauth

import (
	"context"
	"strings"
	"testing"

	"github.com/aurelian-labs/oauthproxy/security"
)

func validAuthorizeRequest(clientID string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		Scope:               "read",
		State:               "s1",
		CodeChallenge:       security.ComputeS256Challenge(testVerifier),
		CodeChallengeMethod: security.CodeChallengeMethodS256,
	}
}

func TestBeginAuthorization_RendersConsentPage(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)

	result, err := p.BeginAuthorization(context.Background(), testUserID, validAuthorizeRequest(client.ClientID))
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if result.RedirectURL != "" {
		t.Fatalf("resolved immediately to %q, want consent page", result.RedirectURL)
	}
	consent := result.Consent
	if consent == nil {
		t.Fatal("Consent = nil")
	}
	if consent.CSRFToken == "" {
		t.Error("CSRFToken is empty")
	}
	if consent.ClientName != "Test App" {
		t.Errorf("ClientName = %q", consent.ClientName)
	}
	if len(consent.Scopes) != 1 || consent.Scopes[0] != "read" {
		t.Errorf("Scopes = %v, want [read]", consent.Scopes)
	}
}

func TestBeginAuthorization_UnknownClientDoesNotRedirect(t *testing.T) {
	p := newTestProvider(t, nil)

	req := validAuthorizeRequest("no-such-client")
	_, err := p.BeginAuthorization(context.Background(), testUserID, req)
	oerr := assertOAuthError(t, err, ErrorCodeInvalidClient)
	if oerr.Status != 400 {
		t.Errorf("Status = %d, want 400", oerr.Status)
	}
}

func TestBeginAuthorization_UnregisteredRedirectURIDoesNotRedirect(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)

	req := validAuthorizeRequest(client.ClientID)
	req.RedirectURI = "https://evil.example.com/callback"
	_, err := p.BeginAuthorization(context.Background(), testUserID, req)
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestBeginAuthorization_ErrorsRedirectAfterValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*AuthorizeRequest)
		wantError string
	}{
		{
			"unsupported response_type",
			func(r *AuthorizeRequest) { r.ResponseType = "token" },
			ErrorCodeUnsupportedResponseType,
		},
		{
			"unsupported scope",
			func(r *AuthorizeRequest) { r.Scope = "admin" },
			ErrorCodeInvalidScope,
		},
		{
			"unsupported challenge method",
			func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" },
			ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(c *Config) {
				c.SupportedScopes = []string{"read", "write"}
			})
			client := registerTestClient(t, p)

			req := validAuthorizeRequest(client.ClientID)
			tt.mutate(req)

			result, err := p.BeginAuthorization(context.Background(), testUserID, req)
			if err != nil {
				t.Fatalf("BeginAuthorization() error = %v, want redirect", err)
			}
			if result.RedirectURL == "" {
				t.Fatal("RedirectURL is empty, want error redirect")
			}
			if got := queryParam(t, result.RedirectURL, "error"); got != tt.wantError {
				t.Errorf("error param = %q, want %q", got, tt.wantError)
			}
			if got := queryParam(t, result.RedirectURL, "state"); got != "s1" {
				t.Errorf("state param = %q, want s1", got)
			}
			if got := queryParam(t, result.RedirectURL, "iss"); got != testIssuer {
				t.Errorf("iss param = %q, want %q", got, testIssuer)
			}
		})
	}
}

func TestBeginAuthorization_StrictModeRequiresPKCE(t *testing.T) {
	p := newTestProvider(t, func(c *Config) { c.StrictMode = true })
	client := registerTestClient(t, p)

	req := validAuthorizeRequest(client.ClientID)
	req.CodeChallenge = ""
	req.CodeChallengeMethod = ""

	result, err := p.BeginAuthorization(context.Background(), testUserID, req)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v, want redirect", err)
	}
	if got := queryParam(t, result.RedirectURL, "error"); got != ErrorCodeInvalidRequest {
		t.Errorf("error param = %q, want invalid_request", got)
	}
	if desc := queryParam(t, result.RedirectURL, "error_description"); !strings.Contains(desc, "PKCE") {
		t.Errorf("error_description = %q, want mention of PKCE", desc)
	}
}

func TestBeginAuthorization_SkipsConsentWhenCovered(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)
	ctx := context.Background()

	if err := p.consents.Record(ctx, testUserID, client.ClientID, []string{"read", "write"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	result, err := p.BeginAuthorization(ctx, testUserID, validAuthorizeRequest(client.ClientID))
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if result.RedirectURL == "" {
		t.Fatal("consent page shown despite covering consent")
	}
	if code := queryParam(t, result.RedirectURL, "code"); code == "" {
		t.Error("code param is empty")
	}
	if got := queryParam(t, result.RedirectURL, "iss"); got != testIssuer {
		t.Errorf("iss param = %q, want %q", got, testIssuer)
	}
}

func TestBeginAuthorization_ShowsConsentForWiderScope(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)
	ctx := context.Background()

	if err := p.consents.Record(ctx, testUserID, client.ClientID, []string{"read"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	req := validAuthorizeRequest(client.ClientID)
	req.Scope = "read write"
	result, err := p.BeginAuthorization(ctx, testUserID, req)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if result.Consent == nil {
		t.Fatal("request auto-approved despite uncovered scope")
	}
}

func TestFinalizeAuthorization_Approve(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)

	code := authorizeToCode(t, p, client.ClientID)
	if code == "" {
		t.Fatal("code param is empty")
	}

	// Approval records consent for the granted scopes.
	consent, err := p.consents.Get(context.Background(), testUserID, client.ClientID)
	if err != nil || consent == nil {
		t.Fatalf("consent not recorded after approval: %v", err)
	}
}

func TestFinalizeAuthorization_DenyRedirectsAccessDenied(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)
	ctx := context.Background()

	result, err := p.BeginAuthorization(ctx, testUserID, validAuthorizeRequest(client.ClientID))
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	redirect, err := p.FinalizeAuthorization(ctx, testUserID, &ConsentForm{
		Action:      "deny",
		CSRFToken:   result.Consent.CSRFToken,
		ClientID:    client.ClientID,
		RedirectURI: "https://app.example.com/callback",
		State:       "s1",
	})
	if err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}
	if got := queryParam(t, redirect, "error"); got != ErrorCodeAccessDenied {
		t.Errorf("error param = %q, want access_denied", got)
	}
	if got := queryParam(t, redirect, "state"); got != "s1" {
		t.Errorf("state param = %q, want s1", got)
	}

	// Denial must not record consent.
	if consent, _ := p.consents.Get(ctx, testUserID, client.ClientID); consent != nil {
		t.Error("consent recorded despite denial")
	}
}

func TestFinalizeAuthorization_CSRFFailures(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)
	ctx := context.Background()

	form := func(csrfToken string) *ConsentForm {
		return &ConsentForm{
			Action:      "approve",
			CSRFToken:   csrfToken,
			ClientID:    client.ClientID,
			RedirectURI: "https://app.example.com/callback",
		}
	}

	// Missing and unknown tokens fail as JSON errors, never as redirects.
	for _, token := range []string{"", "forged-token"} {
		_, err := p.FinalizeAuthorization(ctx, testUserID, form(token))
		oerr := assertOAuthError(t, err, ErrorCodeInvalidRequest)
		if oerr.Status != 400 {
			t.Errorf("Status = %d, want 400", oerr.Status)
		}
	}
}

func TestFinalizeAuthorization_CSRFTokenSingleUse(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)
	ctx := context.Background()

	result, err := p.BeginAuthorization(ctx, testUserID, validAuthorizeRequest(client.ClientID))
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	form := &ConsentForm{
		Action:      "approve",
		CSRFToken:   result.Consent.CSRFToken,
		ClientID:    client.ClientID,
		RedirectURI: "https://app.example.com/callback",
		Scope:       "read",
	}

	if _, err := p.FinalizeAuthorization(ctx, testUserID, form); err != nil {
		t.Fatalf("first FinalizeAuthorization() error = %v", err)
	}
	_, err = p.FinalizeAuthorization(ctx, testUserID, form)
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestFinalizeAuthorization_CSRFTokenBoundToClient(t *testing.T) {
	p := newTestProvider(t, nil)
	clientA := registerTestClient(t, p)
	clientB, err := p.registry.Register(context.Background(), &ClientRegistrationRequest{
		RedirectURIs:            []string{"https://other.example.com/cb"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	result, err := p.BeginAuthorization(ctx, testUserID, validAuthorizeRequest(clientA.ClientID))
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}

	// Replay the CSRF token against a different client.
	_, err = p.FinalizeAuthorization(ctx, testUserID, &ConsentForm{
		Action:      "approve",
		CSRFToken:   result.Consent.CSRFToken,
		ClientID:    clientB.ClientID,
		RedirectURI: "https://other.example.com/cb",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestBeginAuthorization_PlainChallengeDefaultsMethod(t *testing.T) {
	p := newTestProvider(t, nil)
	client := registerTestClient(t, p)

	req := validAuthorizeRequest(client.ClientID)
	req.CodeChallenge = testVerifier
	req.CodeChallengeMethod = ""

	result, err := p.BeginAuthorization(context.Background(), testUserID, req)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if result.Consent.CodeChallengeMethod != security.CodeChallengeMethodPlain {
		t.Errorf("CodeChallengeMethod = %q, want plain", result.Consent.CodeChallengeMethod)
	}
}
