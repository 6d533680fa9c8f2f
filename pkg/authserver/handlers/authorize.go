// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/metrics"
	"github.com/tasklane/identity/pkg/authserver/storage"
	"github.com/tasklane/identity/pkg/notify"
)

// AuthorizeHandler handles GET /oauth2/authorize requests.
// It validates the authorization request, stores it as pending, and
// routes the browser to login, consent, or straight to code issuance
// depending on session state and client trust.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	nonce := q.Get("nonce")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	scope := q.Get("scope")
	responseType := q.Get("response_type")

	if clientID == "" {
		h.writeAuthorizeError(w, "client_id is required")
		return
	}
	if redirectURI == "" {
		h.writeAuthorizeError(w, "redirect_uri is required")
		return
	}

	client, err := h.storage.GetClient(ctx, clientID)
	if err != nil {
		h.logger.Warn("client not found", "client_id", clientID, "error", err)
		h.writeAuthorizeError(w, "client not found")
		return
	}

	if !isValidRedirectURI(client, redirectURI) {
		h.logger.Warn("invalid redirect_uri", "client_id", clientID, "redirect_uri", redirectURI)
		h.writeAuthorizeError(w, "redirect_uri does not match registered URIs")
		return
	}

	// From here on errors can be redirected to the client.
	if responseType != "code" {
		h.redirectWithError(w, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	if client.IsPublic() {
		if codeChallenge == "" {
			h.redirectWithError(w, redirectURI, state, "invalid_request", "code_challenge is required for public clients")
			return
		}
		if codeChallengeMethod != "S256" {
			h.redirectWithError(w, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
			return
		}
	} else if codeChallenge != "" && codeChallengeMethod != "S256" {
		h.redirectWithError(w, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}

	if state == "" {
		h.logger.Warn("authorization request missing state parameter", "client_id", clientID)
	}

	pending := &storage.PendingAuthorization{
		ID:                  uuid.NewString(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scopes:              strings.Fields(scope),
		CreatedAt:           time.Now(),
	}
	if err := h.storage.StorePendingAuthorization(ctx, pending); err != nil {
		h.logger.Error("failed to store pending authorization", "error", err)
		h.redirectWithError(w, redirectURI, state, "server_error", "failed to store authorization request")
		return
	}

	if session := h.currentLoginSession(ctx, req); session != nil {
		if storage.IsTrusted(client) {
			h.finishAuthorization(ctx, w, pending.ID, session)
			return
		}
		h.renderConsent(w, pending, client)
		return
	}

	h.renderPage(w, "login", loginPageData{RequestID: pending.ID})
}

// LoginHandler handles POST /oauth2/authorize/login requests.
// Credential verification dispatches on the stored hash scheme; a legacy
// bcrypt hash that verifies is left untouched (upgrade happens on the
// next password change, not at login).
func (h *Handler) LoginHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		h.writeAuthorizeError(w, "malformed form body")
		return
	}

	requestID := req.PostFormValue("request_id")
	email := req.PostFormValue("email")
	password := req.PostFormValue("password")
	if requestID == "" {
		h.writeAuthorizeError(w, "request_id is required")
		return
	}

	user, err := h.storage.GetUserByEmail(ctx, email)
	authenticated := err == nil && h.verifier.Verify(user.HashScheme, user.PasswordHash, password)
	if !authenticated {
		metrics.SignIn("failure")
		h.logger.Info("sign-in failed", "email", email)
		w.WriteHeader(http.StatusUnauthorized)
		h.renderPage(w, "login", loginPageData{
			RequestID: requestID,
			Error:     "Incorrect email or password.",
		})
		return
	}
	metrics.SignIn("success")

	session := &storage.LoginSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(LoginSessionTTL),
	}
	if err := h.storage.CreateLoginSession(ctx, session); err != nil {
		h.logger.Error("failed to create login session", "error", err)
		h.writeAuthorizeError(w, "failed to create session")
		return
	}
	h.setSessionCookie(w, session.ID, session.ExpiresAt)
	h.notify(notify.KindSignIn, user.Email, nil)

	pending, err := h.storage.ConsumePendingAuthorization(ctx, requestID)
	if err != nil {
		h.writeAuthorizeError(w, "authorization request not found or expired")
		return
	}

	client, err := h.storage.GetClient(ctx, pending.ClientID)
	if err != nil {
		h.writeAuthorizeError(w, "client not found")
		return
	}

	if storage.IsTrusted(client) {
		h.completeAuthorization(ctx, w, pending, session)
		return
	}

	// Untrusted clients need an explicit consent decision; the pending
	// authorization goes back into storage until the consent POST.
	if err := h.storage.StorePendingAuthorization(ctx, pending); err != nil {
		h.logger.Error("failed to re-store pending authorization", "error", err)
		h.redirectWithError(w, pending.RedirectURI, pending.State, "server_error", "failed to store authorization request")
		return
	}
	h.renderConsent(w, pending, client)
}

// ConsentHandler handles POST /oauth2/authorize/consent requests.
func (h *Handler) ConsentHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		h.writeAuthorizeError(w, "malformed form body")
		return
	}

	requestID := req.PostFormValue("request_id")
	action := req.PostFormValue("action")
	if requestID == "" {
		h.writeAuthorizeError(w, "request_id is required")
		return
	}

	session := h.currentLoginSession(ctx, req)
	if session == nil {
		w.WriteHeader(http.StatusUnauthorized)
		h.renderPage(w, "login", loginPageData{RequestID: requestID})
		return
	}

	pending, err := h.storage.ConsumePendingAuthorization(ctx, requestID)
	if err != nil {
		h.writeAuthorizeError(w, "authorization request not found or expired")
		return
	}

	if action != "approve" {
		h.redirectWithError(w, pending.RedirectURI, pending.State, "access_denied", "the user denied the request")
		return
	}

	h.completeAuthorization(ctx, w, pending, session)
}

// finishAuthorization consumes a pending authorization by ID and mints
// the code. Used when no interaction step is needed.
func (h *Handler) finishAuthorization(
	ctx context.Context,
	w http.ResponseWriter,
	pendingID string,
	session *storage.LoginSession,
) {
	pending, err := h.storage.ConsumePendingAuthorization(ctx, pendingID)
	if err != nil {
		h.writeAuthorizeError(w, "authorization request not found or expired")
		return
	}
	h.completeAuthorization(ctx, w, pending, session)
}

// completeAuthorization resolves claims for the session's user, mints
// the authorization code through fosite, and redirects to the client.
func (h *Handler) completeAuthorization(
	ctx context.Context,
	w http.ResponseWriter,
	pending *storage.PendingAuthorization,
	loginSession *storage.LoginSession,
) {
	code, err := h.createAuthorizationCode(ctx, pending, loginSession)
	if err != nil {
		h.logger.Error("failed to create authorization code", "error", err, "client_id", pending.ClientID)
		h.redirectWithError(w, pending.RedirectURI, pending.State, "server_error", "failed to create authorization code")
		return
	}

	h.logger.Info("authorization successful, redirecting to client",
		"client_id", pending.ClientID, "user_id", loginSession.UserID)

	w.Header().Set("Location", buildCallbackURL(pending.RedirectURI, code, pending.State))
	w.WriteHeader(http.StatusFound)
}

// createAuthorizationCode builds the fosite authorize request for a
// pending authorization and generates the code.
func (h *Handler) createAuthorizationCode(
	ctx context.Context,
	pending *storage.PendingAuthorization,
	loginSession *storage.LoginSession,
) (string, error) {
	client, err := h.storage.GetClient(ctx, pending.ClientID)
	if err != nil {
		return "", err
	}

	claims, err := h.resolver.Resolve(ctx, loginSession.UserID, loginSession.ID)
	if err != nil {
		return "", err
	}

	extra := claims.ToMap()
	if pending.Nonce != "" {
		extra["nonce"] = pending.Nonce
	}

	session := authserver.NewSession(loginSession.UserID, loginSession.ID, pending.ClientID, extra)
	now := time.Now()
	session.SetExpiresAt(fosite.AuthorizeCode, now.Add(h.config.AuthCodeLifespan))
	session.SetExpiresAt(fosite.AccessToken, now.Add(h.config.AccessTokenLifespan))
	session.SetExpiresAt(fosite.RefreshToken, now.Add(h.config.RefreshTokenLifespan))

	form := url.Values{
		"redirect_uri":          {pending.RedirectURI},
		"code_challenge":        {pending.CodeChallenge},
		"code_challenge_method": {pending.CodeChallengeMethod},
	}

	authorizeRequest := fosite.NewAuthorizeRequest()
	authorizeRequest.Form = form
	authorizeRequest.Client = client
	authorizeRequest.Session = session
	authorizeRequest.RequestedAt = now
	authorizeRequest.RedirectURI, _ = url.Parse(pending.RedirectURI)
	authorizeRequest.ResponseTypes = fosite.Arguments{"code"}

	for _, scope := range pending.Scopes {
		authorizeRequest.RequestedScope = append(authorizeRequest.RequestedScope, scope)
		if client.GetScopes().Has(scope) {
			authorizeRequest.GrantedScope = append(authorizeRequest.GrantedScope, scope)
		}
	}

	response, err := h.provider.NewAuthorizeResponse(ctx, authorizeRequest, session)
	if err != nil {
		return "", err
	}

	code := response.GetCode()
	if code == "" {
		return "", fosite.ErrServerError.WithHint("no authorization code generated")
	}
	return code, nil
}

func (h *Handler) renderConsent(w http.ResponseWriter, pending *storage.PendingAuthorization, client fosite.Client) {
	h.renderPage(w, "consent", consentPageData{
		RequestID:  pending.ID,
		ClientName: clientDisplayName(client),
		Scopes:     pending.Scopes,
	})
}

// writeAuthorizeError writes an error response when redirecting to the
// client is not safe (unknown client or unvalidated redirect URI).
func (*Handler) writeAuthorizeError(w http.ResponseWriter, description string) {
	http.Error(w, description, http.StatusBadRequest)
}

// redirectWithError redirects to the client with an OAuth error response.
func (*Handler) redirectWithError(w http.ResponseWriter, redirectURI, state, errorCode, description string) {
	if redirectURI == "" {
		http.Error(w, description, http.StatusBadRequest)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}

	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// isValidRedirectURI checks the redirect URI against the client's
// registered URIs, with RFC 8252 loopback matching for native clients.
func isValidRedirectURI(client fosite.Client, redirectURI string) bool {
	if tc, ok := client.(*storage.Client); ok {
		return tc.MatchRedirectURI(redirectURI)
	}
	for _, uri := range client.GetRedirectURIs() {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func clientDisplayName(client fosite.Client) string {
	if tc, ok := client.(*storage.Client); ok && tc.Name != "" {
		return tc.Name
	}
	return client.GetID()
}

// buildCallbackURL builds the client callback URL with code and state.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
