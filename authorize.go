package oauth

import (
	"context"
	"net/url"
	"time"

	"github.com/aurelian-labs/oauthproxy/instrumentation"
	"github.com/aurelian-labs/oauthproxy/internal/util"
	"github.com/aurelian-labs/oauthproxy/security"
	"github.com/aurelian-labs/oauthproxy/storage"
)

// AuthorizeRequest carries the query parameters of GET /authorize.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeRequestFromQuery builds an AuthorizeRequest from URL query values.
func AuthorizeRequestFromQuery(q url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// ConsentForm carries the form fields of POST /authorize, echoed back from
// the consent page.
type ConsentForm struct {
	Action              string // "approve" or "deny"
	CSRFToken           string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResult is the outcome of BeginAuthorization. Exactly one of
// RedirectURL and Consent is set: a non-empty RedirectURL means the request
// resolved immediately (success via prior consent, or a redirected error)
// and Consent means the consent page must be rendered.
type AuthorizationResult struct {
	RedirectURL string
	Consent     *ConsentData
}

// BeginAuthorization validates an authorization request and either resolves
// it immediately or prepares the consent page.
//
// Validation order matters: client_id and redirect_uri are checked first and
// fail with a plain error because redirecting to an unverified URI would be
// an open redirect. Every later failure redirects back to the (now trusted)
// client with error, error_description, state and iss parameters.
func (p *Provider) BeginAuthorization(ctx context.Context, userID string, req *AuthorizeRequest) (*AuthorizationResult, error) {
	ctx, span := p.tracer.Start(ctx, "oauth.authorize")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, security.HashIdentifier(userID), req.Scope)

	result, err := p.beginAuthorization(ctx, userID, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (p *Provider) beginAuthorization(ctx context.Context, userID string, req *AuthorizeRequest) (*AuthorizationResult, error) {
	client, err := p.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if err := p.registry.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return nil, err
	}

	// The redirect URI is trusted from here on.
	if req.ResponseType != ResponseTypeCode {
		return p.redirectError(req, ErrUnsupportedResponseType("only response_type=code is supported")), nil
	}

	requestedScopes := util.Fields(req.Scope)
	if len(p.config.SupportedScopes) > 0 && !util.Subset(requestedScopes, p.config.SupportedScopes) {
		return p.redirectError(req, ErrInvalidScope("requested scope is not supported")), nil
	}

	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = security.CodeChallengeMethodPlain
		}
		if !security.ValidCodeChallengeMethod(method) {
			return p.redirectError(req, ErrInvalidRequest("unsupported code_challenge_method")), nil
		}
		req.CodeChallengeMethod = method
	} else if p.config.StrictMode && client.IsPublic() {
		p.auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   userID,
			ClientID: req.ClientID,
			Details:  map[string]any{"reason": "missing code_challenge"},
		})
		return p.redirectError(req, ErrInvalidRequest("PKCE is required for public clients: missing code_challenge")), nil
	}

	p.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	p.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationStarted,
		UserID:   userID,
		ClientID: req.ClientID,
		Details:  map[string]any{"scope": req.Scope},
	})

	// Skip the consent page when a prior consent already covers every
	// requested scope.
	consent, err := p.consents.Get(ctx, userID, req.ClientID)
	if err != nil {
		return nil, ErrServerError("consent lookup failed")
	}
	if p.consents.Covers(consent, requestedScopes) {
		redirect, err := p.approveAuthorization(ctx, userID, client, req.RedirectURI, req.Scope, req.State, req.CodeChallenge, req.CodeChallengeMethod)
		if err != nil {
			return nil, err
		}
		return &AuthorizationResult{RedirectURL: redirect}, nil
	}

	csrfToken, err := p.issueCSRFToken(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	return &AuthorizationResult{Consent: &ConsentData{
		ClientID:            req.ClientID,
		ClientName:          client.ClientName,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Scopes:              requestedScopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CSRFToken:           csrfToken,
		UserID:              userID,
	}}, nil
}

// FinalizeAuthorization consumes a consent-page submission and returns the
// redirect URL for the client. CSRF failures never redirect; they surface as
// a plain invalid_request error regardless of the redirect URI.
func (p *Provider) FinalizeAuthorization(ctx context.Context, userID string, form *ConsentForm) (string, error) {
	client, err := p.registry.Lookup(ctx, form.ClientID)
	if err != nil {
		return "", err
	}
	if err := p.registry.ValidateRedirectURI(client, form.RedirectURI); err != nil {
		return "", err
	}
	if err := p.consumeCSRFToken(ctx, userID, form); err != nil {
		return "", err
	}

	req := &AuthorizeRequest{
		ClientID:    form.ClientID,
		RedirectURI: form.RedirectURI,
		State:       form.State,
	}

	if form.Action != "approve" {
		p.metrics.RecordConsentDecision(ctx, false)
		p.auditor.LogEvent(security.Event{
			Type:     security.EventConsentDenied,
			UserID:   userID,
			ClientID: form.ClientID,
		})
		return p.redirectError(req, ErrAccessDenied("the user denied the request")).RedirectURL, nil
	}

	requestedScopes := util.Fields(form.Scope)
	if len(p.config.SupportedScopes) > 0 && !util.Subset(requestedScopes, p.config.SupportedScopes) {
		return p.redirectError(req, ErrInvalidScope("requested scope is not supported")).RedirectURL, nil
	}
	if form.CodeChallenge == "" && p.config.StrictMode && client.IsPublic() {
		return p.redirectError(req, ErrInvalidRequest("PKCE is required for public clients: missing code_challenge")).RedirectURL, nil
	}

	if err := p.consents.Record(ctx, userID, form.ClientID, requestedScopes); err != nil {
		return "", ErrServerError("failed to record consent")
	}
	p.metrics.RecordConsentDecision(ctx, true)
	p.auditor.LogEvent(security.Event{
		Type:     security.EventConsentGranted,
		UserID:   userID,
		ClientID: form.ClientID,
		Details:  map[string]any{"scope": form.Scope},
	})

	return p.approveAuthorization(ctx, userID, client, form.RedirectURI, form.Scope, form.State, form.CodeChallenge, form.CodeChallengeMethod)
}

// approveAuthorization mints an authorization code and builds the success
// redirect carrying code, state and iss.
func (p *Provider) approveAuthorization(ctx context.Context, userID string, client *storage.Client, redirectURI, scope, state, challenge, method string) (string, error) {
	code := security.GenerateToken()
	record := &storage.AuthorizationCode{
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		UserID:              userID,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           time.Now().Add(p.config.AuthorizationCodeTTL),
	}
	value, err := storage.Encode(record)
	if err != nil {
		return "", ErrServerError("failed to encode authorization code")
	}
	opts := &storage.PutOptions{ExpirationTTL: ttlSeconds(p.config.AuthorizationCodeTTL)}
	if err := p.store.Put(ctx, storage.CodeKey(code), value, opts); err != nil {
		p.logger.Error("failed to persist authorization code", "error", err)
		return "", ErrServerError("failed to persist authorization code")
	}

	p.metrics.RecordCodeIssued(ctx, client.ClientID)
	p.auditor.LogEvent(security.Event{
		Type:     security.EventCodeIssued,
		UserID:   userID,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": scope},
	})

	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrServerError("registered redirect_uri is unparseable")
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	q.Set("iss", p.config.Issuer)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redirectError builds an error redirect to the validated redirect URI. The
// iss parameter is attached to error responses too, so clients can always
// verify which server answered.
func (p *Provider) redirectError(req *AuthorizeRequest, oerr *OAuthError) *AuthorizationResult {
	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		// The URI matched a registered one, so this should not happen.
		return &AuthorizationResult{RedirectURL: req.RedirectURI}
	}
	q := u.Query()
	q.Set("error", oerr.Code)
	if oerr.Description != "" {
		q.Set("error_description", oerr.Description)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	q.Set("iss", p.config.Issuer)
	u.RawQuery = q.Encode()
	return &AuthorizationResult{RedirectURL: u.String()}
}

func (p *Provider) issueCSRFToken(ctx context.Context, clientID, redirectURI string) (string, error) {
	token := security.GenerateToken()
	state := &storage.CSRFState{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		ExpiresAt:   time.Now().Add(p.config.CSRFTokenTTL),
	}
	value, err := storage.Encode(state)
	if err != nil {
		return "", ErrServerError("failed to encode CSRF state")
	}
	opts := &storage.PutOptions{ExpirationTTL: ttlSeconds(p.config.CSRFTokenTTL)}
	if err := p.store.Put(ctx, storage.CSRFKey(token), value, opts); err != nil {
		p.logger.Error("failed to persist CSRF token", "error", err)
		return "", ErrServerError("failed to persist CSRF token")
	}
	return token, nil
}

// consumeCSRFToken validates and single-uses the consent CSRF token. The
// stored state must match the submitted client and redirect URI.
func (p *Provider) consumeCSRFToken(ctx context.Context, userID string, form *ConsentForm) error {
	fail := func(reason string) error {
		p.auditor.LogEvent(security.Event{
			Type:     security.EventCSRFValidationFailed,
			UserID:   userID,
			ClientID: form.ClientID,
			Details:  map[string]any{"reason": reason},
		})
		return ErrInvalidRequest("invalid or expired CSRF token")
	}

	if form.CSRFToken == "" {
		return fail("missing csrf_token")
	}
	value, err := p.store.Get(ctx, storage.CSRFKey(form.CSRFToken))
	if err != nil {
		return fail("unknown or expired token")
	}

	// Delete before validating so the token is single-use even when the
	// bound values mismatch.
	if err := p.store.Delete(ctx, storage.CSRFKey(form.CSRFToken)); err != nil {
		p.logger.Warn("failed to delete CSRF token", "error", err)
	}

	var state storage.CSRFState
	if err := storage.Decode(value, &state); err != nil {
		return fail("corrupt state record")
	}
	if state.ClientID != form.ClientID || state.RedirectURI != form.RedirectURI {
		return fail("bound request mismatch")
	}
	if time.Now().After(state.ExpiresAt) {
		return fail("token expired")
	}
	return nil
}
