// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// Session cookie names. The __Secure- prefixed form is used when secure
// cookies are enabled; logout clears both so a TLS toggle never strands
// a stale cookie.
const (
	SessionCookieName       = "tasklane_session"
	SecureSessionCookieName = "__Secure-tasklane_session"
)

// LoginSessionTTL is the browser session lifetime.
const LoginSessionTTL = storage.DefaultLoginSessionTTL

func (h *Handler) sessionCookieName() string {
	if h.config.SecureCookies {
		return SecureSessionCookieName
	}
	return SessionCookieName
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookieName(),
		Value:    sessionID,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookieName, SecureSessionCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   name == SecureSessionCookieName,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// currentLoginSession returns the valid login session referenced by the
// request's cookie, or nil when there is none. Expired sessions are
// treated as absent.
func (h *Handler) currentLoginSession(ctx context.Context, req *http.Request) *storage.LoginSession {
	for _, name := range []string{SecureSessionCookieName, SessionCookieName} {
		cookie, err := req.Cookie(name)
		if err != nil || cookie.Value == "" {
			continue
		}
		session, err := h.storage.GetLoginSession(ctx, cookie.Value)
		if err != nil {
			continue
		}
		if session.Expired(time.Now()) {
			continue
		}
		return session
	}
	return nil
}
