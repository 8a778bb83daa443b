package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aurelian-labs/oauthproxy/security"
)

// Handler adapts a Provider to net/http. Create it with NewHandler and mount
// Routes() wherever the issuer URL points.
type Handler struct {
	provider    *Provider
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates an HTTP handler for the provider.
func NewHandler(provider *Provider) *Handler {
	h := &Handler{
		provider: provider,
		logger:   provider.logger,
	}
	if rpm := provider.config.RateLimit.RequestsPerMinute; rpm > 0 {
		rps := rpm / 60
		if rps < 1 {
			rps = 1
		}
		burst := provider.config.RateLimit.Burst
		if burst < 1 {
			burst = rps * 2
		}
		h.rateLimiter = security.NewRateLimiter(rps, burst, provider.logger)
	}
	return h
}

// Close releases handler resources (the rate limiter's cleanup goroutine).
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a mux with every OAuth endpoint mounted at its standard
// path, relative to the issuer root.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.instrument("metadata", h.ServeMetadata))
	mux.HandleFunc("GET /authorize", h.instrument("authorize", h.ServeAuthorize))
	mux.HandleFunc("POST /authorize", h.instrument("authorize", h.ServeConsentDecision))
	mux.HandleFunc("POST /token", h.instrument("token", h.ServeToken))
	mux.HandleFunc("POST /register", h.instrument("register", h.ServeClientRegistration))
	mux.HandleFunc("POST /introspect", h.instrument("introspect", h.ServeIntrospection))
	mux.HandleFunc("POST /revoke", h.instrument("revoke", h.ServeRevocation))
	mux.HandleFunc("GET /consents", h.instrument("consents", h.ServeConsentList))
	mux.HandleFunc("DELETE /consents/{clientID}", h.instrument("consents", h.ServeConsentRevocation))
	return mux
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument records request duration and status per endpoint.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.provider.metrics.RecordHTTPRequest(r.Context(), endpoint, sw.status, float64(time.Since(start).Milliseconds()))
	}
}

// ServeMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, h.provider.Metadata())
}

// ServeAuthorize handles GET /authorize: it validates the request and either
// redirects immediately or renders the consent page.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticateUser(w, r)
	if err != nil {
		return
	}

	result, err := h.provider.BeginAuthorization(r.Context(), userID, AuthorizeRequestFromQuery(r.URL.Query()))
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	if result.RedirectURL != "" {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}
	h.renderConsent(w, r, result.Consent)
}

// ServeConsentDecision handles POST /authorize: the consent form submission.
func (h *Handler) ServeConsentDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}
	userID, err := h.authenticateUser(w, r)
	if err != nil {
		return
	}

	form := &ConsentForm{
		Action:              r.PostFormValue("action"),
		CSRFToken:           r.PostFormValue("csrf_token"),
		ClientID:            r.PostFormValue("client_id"),
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		State:               r.PostFormValue("state"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
	}

	redirect, err := h.provider.FinalizeAuthorization(r.Context(), userID, form)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeToken handles POST /token for both supported grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	resp, err := h.provider.Exchange(r.Context(), &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	security.SetTokenResponseHeaders(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r) {
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed registration request body"))
		return
	}

	resp, err := h.provider.registry.Register(r.Context(), &req)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	ip := security.GetClientIP(r, h.provider.config.TrustProxy)
	h.provider.auditor.LogClientRegistered(resp.ClientID, resp.TokenEndpointAuthMethod, ip)

	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeIntrospection handles POST /introspect (RFC 7662). Client credentials
// are verified when presented; a lookup miss is reported as active=false,
// never as an error.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}
	if clientID, clientSecret := h.clientCredentials(r); clientID != "" {
		if _, err := h.provider.registry.Authenticate(r.Context(), clientID, clientSecret); err != nil {
			h.writeOAuthError(w, err)
			return
		}
	}

	resp := h.provider.Introspect(r.Context(), r.PostFormValue("token"))
	security.SetTokenResponseHeaders(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /revoke (RFC 7009). Revocation of an unknown
// token is a success.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	callerClientID := ""
	if clientID, clientSecret := h.clientCredentials(r); clientID != "" {
		client, err := h.provider.registry.Authenticate(r.Context(), clientID, clientSecret)
		if err != nil {
			h.writeOAuthError(w, err)
			return
		}
		callerClientID = client.ClientID
	}

	if err := h.provider.Revoke(r.Context(), r.PostFormValue("token"), callerClientID); err != nil {
		h.writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeConsentList handles GET /consents for the authenticated user.
func (h *Handler) ServeConsentList(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticateUser(w, r)
	if err != nil {
		return
	}

	consents, err := h.provider.consents.List(r.Context(), userID)
	if err != nil {
		h.writeOAuthError(w, ErrServerError("failed to list consents"))
		return
	}

	resp := ConsentListResponse{Consents: make([]ConsentInfo, 0, len(consents))}
	for _, c := range consents {
		info := ConsentInfo{ClientID: c.ClientID, Scopes: c.Scopes, GrantedAt: c.GrantedAt}
		if client, err := h.provider.registry.Lookup(r.Context(), c.ClientID); err == nil {
			info.ClientName = client.ClientName
		}
		resp.Consents = append(resp.Consents, info)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeConsentRevocation handles DELETE /consents/{clientID}: it removes the
// consent and revokes every token family issued under it.
func (h *Handler) ServeConsentRevocation(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticateUser(w, r)
	if err != nil {
		return
	}
	clientID := r.PathValue("clientID")
	if clientID == "" {
		h.writeOAuthError(w, ErrInvalidRequest("missing client ID"))
		return
	}
	if err := h.provider.RevokeConsent(r.Context(), userID, clientID); err != nil {
		h.writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireToken wraps a handler with bearer-token validation. The validated
// TokenInfo is injected into the request context for downstream handlers.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			h.writeOAuthError(w, ErrInvalidToken("missing bearer token"))
			return
		}
		info, err := h.provider.ValidateAccessToken(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			h.writeOAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTokenInfo(r.Context(), info)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// authenticateUser resolves the end-user via the configured Authenticate
// hook, writing the error response itself on failure.
func (h *Handler) authenticateUser(w http.ResponseWriter, r *http.Request) (string, error) {
	if h.provider.config.Authenticate == nil {
		h.writeOAuthError(w, ErrServerError("no user authentication configured"))
		return "", errors.New("no authenticate hook")
	}
	userID, err := h.provider.config.Authenticate(r)
	if err != nil || userID == "" {
		ip := security.GetClientIP(r, h.provider.config.TrustProxy)
		h.provider.auditor.LogAuthFailure("", "", ip, "user authentication failed")
		h.writeOAuthError(w, NewOAuthError(ErrorCodeAccessDenied, "user authentication required", http.StatusUnauthorized))
		return "", errors.New("unauthenticated")
	}
	return userID, nil
}

// clientCredentials extracts client credentials from HTTP Basic auth
// (client_secret_basic) or the form body (client_secret_post / none).
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// allowRequest enforces per-IP rate limiting. Returns false after writing
// the 429 response.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	ip := security.GetClientIP(r, h.provider.config.TrustProxy)
	if h.rateLimiter.Allow(ip) {
		return true
	}
	h.provider.auditor.LogEvent(security.Event{
		Type:      security.EventRateLimitExceeded,
		IPAddress: ip,
		Details:   map[string]any{"path": r.URL.Path},
	})
	h.writeOAuthError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeOAuthError renders an error as an OAuth JSON error body. Unexpected
// error values become an opaque server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		h.logger.Error("unexpected error", "error", err)
		oerr = ErrServerError("internal error")
	}
	h.writeJSON(w, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}
