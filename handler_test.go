package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
)

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *http.ServeMux) {
	t.Helper()
	p := newTestProvider(t, mutate)
	h := NewHandler(p)
	t.Cleanup(h.Close)
	return h, h.Routes()
}

func doForm(mux *http.ServeMux, method, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func doJSON(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

var csrfTokenRe = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// registerViaHTTP registers a public client through POST /register.
func registerViaHTTP(t *testing.T, mux *http.ServeMux) *ClientRegistrationResponse {
	t.Helper()
	w := doJSON(mux, http.MethodPost, "/register",
		`{"redirect_uris":["https://app.example.com/callback"],"token_endpoint_auth_method":"none","client_name":"HTTP Test App"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /register status = %d, body = %s", w.Code, w.Body)
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding registration response: %v", err)
	}
	return &resp
}

func TestHandler_Metadata(t *testing.T) {
	_, mux := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var md AuthorizationServerMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &md); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if md.Issuer != testIssuer {
		t.Errorf("Issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != testIssuer+"/token" {
		t.Errorf("TokenEndpoint = %q", md.TokenEndpoint)
	}
}

func TestHandler_FullAuthorizationFlow(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	client := registerViaHTTP(t, mux)

	// GET /authorize renders the consent page.
	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"read"},
		"state":                 {"st-1"},
		"code_challenge":        {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
		"code_challenge_method": {"S256"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /authorize status = %d, body = %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("consent page has no Content-Security-Policy header")
	}
	match := csrfTokenRe.FindStringSubmatch(w.Body.String())
	if match == nil {
		t.Fatalf("consent page has no csrf_token field: %s", w.Body)
	}
	csrfToken := match[1]

	// POST /authorize approves and redirects with a code.
	w = doForm(mux, http.MethodPost, "/authorize", url.Values{
		"action":                {"approve"},
		"csrf_token":            {csrfToken},
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"read"},
		"state":                 {"st-1"},
		"code_challenge":        {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
		"code_challenge_method": {"S256"},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("POST /authorize status = %d, body = %s", w.Code, w.Body)
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", location)
	}
	if got := location.Query().Get("state"); got != "st-1" {
		t.Errorf("state = %q, want st-1", got)
	}
	if got := location.Query().Get("iss"); got != testIssuer {
		t.Errorf("iss = %q, want %q", got, testIssuer)
	}

	// POST /token redeems the code. The verifier matches the fixed
	// challenge above (the RFC 7636 appendix pair).
	w = doForm(mux, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"},
		"client_id":     {client.ClientID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /token status = %d, body = %s", w.Code, w.Body)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	var tokens TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}
	if tokens.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want bearer", tokens.TokenType)
	}

	// POST /introspect sees the token as active.
	w = doForm(mux, http.MethodPost, "/introspect", url.Values{"token": {tokens.AccessToken}})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /introspect status = %d", w.Code)
	}
	var intro IntrospectionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &intro); err != nil {
		t.Fatalf("decoding introspection response: %v", err)
	}
	if !intro.Active {
		t.Fatal("introspection: Active = false")
	}

	// POST /revoke retires it.
	w = doForm(mux, http.MethodPost, "/revoke", url.Values{"token": {tokens.AccessToken}})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /revoke status = %d", w.Code)
	}
	w = doForm(mux, http.MethodPost, "/introspect", url.Values{"token": {tokens.AccessToken}})
	if err := json.Unmarshal(w.Body.Bytes(), &intro); err != nil {
		t.Fatalf("decoding introspection response: %v", err)
	}
	if intro.Active {
		t.Error("token still active after revocation")
	}
}

func TestHandler_TokenErrorBody(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	client := registerViaHTTP(t, mux)

	w := doForm(mux, http.MethodPost, "/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"bogus"},
		"client_id":  {client.ClientID},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want invalid_grant", body.Error)
	}
}

func TestHandler_CSRFFailureIsJSONNotRedirect(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	client := registerViaHTTP(t, mux)

	w := doForm(mux, http.MethodPost, "/authorize", url.Values{
		"action":       {"approve"},
		"csrf_token":   {"forged"},
		"client_id":    {client.ClientID},
		"redirect_uri": {"https://app.example.com/callback"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("CSRF failure redirected to %q", loc)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request", body.Error)
	}
}

func TestHandler_UnauthenticatedUser(t *testing.T) {
	_, mux := newTestHandler(t, func(c *Config) {
		c.Authenticate = func(r *http.Request) (string, error) {
			return "", http.ErrNoCookie
		}
	})
	client := registerViaHTTP(t, mux)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+client.ClientID, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandler_ConsentListAndRevocation(t *testing.T) {
	h, mux := newTestHandler(t, nil)
	client := registerViaHTTP(t, mux)

	code := authorizeToCode(t, h.provider, client.ClientID)
	tokens := exchangeCode(t, h.provider, client.ClientID, code)

	req := httptest.NewRequest(http.MethodGet, "/consents", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /consents status = %d", w.Code)
	}
	var list ConsentListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding consent list: %v", err)
	}
	if len(list.Consents) != 1 {
		t.Fatalf("got %d consents, want 1", len(list.Consents))
	}
	if list.Consents[0].ClientName != "HTTP Test App" {
		t.Errorf("ClientName = %q", list.Consents[0].ClientName)
	}

	req = httptest.NewRequest(http.MethodDelete, "/consents/"+client.ClientID, nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE /consents status = %d", w.Code)
	}

	// The cascade reaches the issued tokens.
	w = doForm(mux, http.MethodPost, "/introspect", url.Values{"token": {tokens.AccessToken}})
	var intro IntrospectionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &intro); err != nil {
		t.Fatalf("decoding introspection response: %v", err)
	}
	if intro.Active {
		t.Error("token still active after consent revocation")
	}
}

func TestHandler_RequireToken(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	client := registerViaHTTP(t, h.Routes())

	code := authorizeToCode(t, h.provider, client.ClientID)
	tokens := exchangeCode(t, h.provider, client.ClientID, code)

	var gotInfo *TokenInfo
	protected := h.RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInfo, _ = TokenInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	// Bad token.
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}

	// Valid token.
	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body = %s", w.Code, w.Body)
	}
	if gotInfo == nil || gotInfo.UserID != testUserID {
		t.Errorf("TokenInfo = %+v, want user %q", gotInfo, testUserID)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	_, mux := newTestHandler(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerMinute: 60, Burst: 2}
	})

	var last int
	for i := 0; i < 5; i++ {
		w := doForm(mux, http.MethodPost, "/token", url.Values{"grant_type": {"authorization_code"}})
		last = w.Code
		if last == http.StatusTooManyRequests {
			break
		}
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("burst of requests never hit the rate limit, last status = %d", last)
	}
}

func TestHandler_RegistrationValidation(t *testing.T) {
	_, mux := newTestHandler(t, nil)

	w := doJSON(mux, http.MethodPost, "/register", `{"redirect_uris":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty redirect_uris: status = %d, want 400", w.Code)
	}

	w = doJSON(mux, http.MethodPost, "/register", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}
}
