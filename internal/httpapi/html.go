// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

package httpapi

import (
	"html/template"
	"net/http"

	"github.com/buildsec/bazel-auth-broker/internal/logging"
)

// The browser-facing pages. The callback page is the hand-off point of
// the CLI flow: it renders the session ID, copies it to the clipboard,
// and shows ready-to-paste exchange commands.

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>Bazel Auth Broker</title>
<style>
body { font-family: sans-serif; max-width: 640px; margin: 48px auto; color: #1a1a2e; }
a.button { display: inline-block; padding: 12px 24px; background: #16213e; color: #fff; text-decoration: none; border-radius: 6px; }
code { background: #f0f0f5; padding: 2px 6px; border-radius: 3px; }
</style>
</head>
<body>
<h1>Bazel Auth Broker</h1>
<p>Sign in with your identity provider to get a short-lived, team-scoped Vault token for Bazel builds.</p>
<p><a class="button" href="/auth/login">Sign in</a></p>
<h2>Endpoints</h2>
<ul>
<li><code>POST /cli/start</code> begin a CLI flow</li>
<li><code>GET /auth/login</code> begin a browser flow</li>
<li><code>POST /exchange</code> redeem a session for a Vault token</li>
<li><code>GET /health</code> broker health</li>
<li><code>GET /.well-known/jwks.json</code> broker signing keys</li>
</ul>
</body>
</html>
`))

var callbackTemplate = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><title>Authenticated</title>
<style>
body { font-family: sans-serif; max-width: 640px; margin: 48px auto; color: #1a1a2e; }
.session { font-family: monospace; font-size: 1.1em; background: #f0f0f5; padding: 12px; border-radius: 6px; word-break: break-all; }
pre { background: #16213e; color: #e0e0e0; padding: 12px; border-radius: 6px; overflow-x: auto; }
.team { color: #0f7b6c; font-weight: bold; }
</style>
</head>
<body>
<h1>Authentication complete</h1>
<p>Team: <span class="team">{{.Team}}</span></p>
<p>Your session ID (copied to clipboard):</p>
<div class="session" id="session-id">{{.SessionID}}</div>
<h2>Redeem it</h2>
<pre>curl -s -X POST {{.BaseURL}}/exchange \
  -H 'Content-Type: application/json' \
  -d '{"session_id":"{{.SessionID}}"}'</pre>
<p>Or with the CLI:</p>
<pre>bazel-vault-token --session {{.SessionID}}</pre>
<p>The session is single-use and expires in {{.ExpiresIn}} seconds.</p>
<script>
navigator.clipboard && navigator.clipboard.writeText(document.getElementById('session-id').textContent);
</script>
</body>
</html>
`))

var selectTeamTemplate = template.Must(template.New("select-team").Parse(`<!DOCTYPE html>
<html>
<head><title>Select Team</title>
<style>
body { font-family: sans-serif; max-width: 640px; margin: 48px auto; color: #1a1a2e; }
label { display: block; padding: 8px 0; }
button { padding: 12px 24px; background: #16213e; color: #fff; border: none; border-radius: 6px; cursor: pointer; }
.error { color: #c0392b; }
</style>
</head>
<body>
<h1>Select a team</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p>Your groups map to more than one team. The Vault token will be scoped to the team you pick.</p>
<form method="POST" action="/auth/select-team">
<input type="hidden" name="session_id" value="{{.SessionID}}">
{{range .Teams}}
<label><input type="radio" name="team" value="{{.}}" required> {{.}}</label>
{{end}}
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

// callbackPage is the data for the callback template.
type callbackPage struct {
	SessionID string
	Team      string
	BaseURL   string
	ExpiresIn int
}

// selectTeamPage is the data for the team selection template.
type selectTeamPage struct {
	SessionID string
	Teams     []string
	Error     string
}

// renderHTML executes a template with text/html headers.
func renderHTML(w http.ResponseWriter, tmpl *template.Template, status int, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		logging.Error().Err(err).Str("template", tmpl.Name()).Msg("template render failed")
	}
}
