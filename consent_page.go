package oauth

import (
	"html/template"
	"net/http"

	"github.com/aurelian-labs/oauthproxy/security"
)

// renderConsent renders the consent page via the configured renderer, or the
// built-in template when none is set.
func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, data *ConsentData) {
	security.SetConsentPageHeaders(w)

	if h.provider.config.RenderConsent != nil {
		if err := h.provider.config.RenderConsent(w, r, data); err != nil {
			h.logger.Error("consent renderer failed", "error", err)
			h.writeOAuthError(w, ErrServerError("failed to render consent page"))
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTmpl.Execute(w, data); err != nil {
		h.logger.Error("consent template failed", "error", err)
	}
}

var consentTmpl = template.Must(template.New("consent").Parse(consentPageHTML))

const consentPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{if .ClientName}}{{.ClientName}}{{else}}application{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a1a; }
h1 { font-size: 1.25rem; }
ul { padding-left: 1.25rem; }
li { margin: 0.25rem 0; }
.actions { display: flex; gap: 0.75rem; margin-top: 1.5rem; }
button { padding: 0.5rem 1.5rem; font-size: 1rem; border-radius: 4px; cursor: pointer; }
.approve { background: #1a7f37; color: #fff; border: none; }
.deny { background: #fff; border: 1px solid #999; }
.client { font-weight: 600; }
</style>
</head>
<body>
<h1>Authorization request</h1>
<p><span class="client">{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</span> is requesting access to your account.</p>
{{if .Scopes}}
<p>It will be able to:</p>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
{{else}}
<p>No specific permissions were requested.</p>
{{end}}
<form method="post" action="/authorize">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<div class="actions">
<button class="approve" type="submit" name="action" value="approve">Approve</button>
<button class="deny" type="submit" name="action" value="deny">Deny</button>
</div>
</form>
</body>
</html>
`
