// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"html/template"
	"net/http"
)

// Minimal interaction pages. These are deliberately unstyled beyond the
// basics: the product web app handles everything except the protocol
// checkpoints that must live on the issuer origin.
var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Tasklane Sign in</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 24rem; margin: 4rem auto; padding: 0 1rem; }
form { display: flex; flex-direction: column; gap: 0.75rem; }
input, button { padding: 0.5rem; font-size: 1rem; }
.error { color: #b00020; }
.scopes { padding-left: 1.25rem; }
.actions { display: flex; gap: 0.5rem; }
</style>
</head>
<body>{{end}}

{{define "login"}}{{template "layout_head"}}
<h1>Sign in to Tasklane</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/oauth2/authorize/login">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<label for="email">Email</label>
<input type="email" id="email" name="email" autocomplete="username" required autofocus>
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password" required>
<button type="submit">Sign in</button>
</form>
</body></html>{{end}}

{{define "consent"}}{{template "layout_head"}}
<h1>Authorize {{.ClientName}}</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to your Tasklane account:</p>
<ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<form method="post" action="/oauth2/authorize/consent">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<div class="actions">
<button type="submit" name="action" value="approve">Allow</button>
<button type="submit" name="action" value="deny">Deny</button>
</div>
</form>
</body></html>{{end}}

{{define "device"}}{{template "layout_head"}}
<h1>Connect a device</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/device">
<label for="user_code">Enter the code shown on your device</label>
<input type="text" id="user_code" name="user_code" value="{{.UserCode}}"
  placeholder="XXXX-XXXX" autocomplete="off" autofocus>
{{if .Confirm}}
<p>Device requests access for <strong>{{.ClientName}}</strong>.</p>
<div class="actions">
<button type="submit" name="action" value="approve">Approve</button>
<button type="submit" name="action" value="deny">Deny</button>
</div>
{{else}}
<button type="submit" name="action" value="lookup">Continue</button>
{{end}}
</form>
</body></html>{{end}}

{{define "device_done"}}{{template "layout_head"}}
<h1>{{.Title}}</h1>
<p>{{.Detail}} You can close this window.</p>
</body></html>{{end}}
`))

func (h *Handler) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("failed to render page", "template", name, "error", err)
	}
}

type loginPageData struct {
	RequestID string
	Error     string
}

type consentPageData struct {
	RequestID  string
	ClientName string
	Scopes     []string
}

type devicePageData struct {
	UserCode   string
	ClientName string
	Confirm    bool
	Error      string
}

type deviceDonePageData struct {
	Title  string
	Detail string
}
