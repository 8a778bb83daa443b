package security

import "net/http"

// SetTokenResponseHeaders applies the cache and hardening headers required
// for responses carrying credentials (RFC 6749 Section 5.1).
func SetTokenResponseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
}

// SetConsentPageHeaders applies hardening headers for the HTML consent page.
// The restrictive CSP permits only same-origin styles and forms, which is
// all the default consent template needs.
func SetConsentPageHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'")
}
