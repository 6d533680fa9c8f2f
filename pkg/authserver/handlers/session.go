// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// SwitchOrgHandler handles POST /session/org requests: switches the
// login session's active organization. The switch is a single atomic
// write and takes effect at the next claims resolution (token refresh
// or userinfo call), never on already-issued tokens.
func (h *Handler) SwitchOrgHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	session := h.currentLoginSession(ctx, req)
	if session == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_session"})
		return
	}

	orgID := req.PostFormValue("organization_id")
	if err := h.tenants.SwitchOrganization(ctx, session.ID, orgID); err != nil {
		if errors.Is(err, storage.ErrNotAMember) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "not_a_member"})
			return
		}
		h.logger.Error("failed to switch organization", "error", err, "session_id", session.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	h.logger.Info("switched active organization",
		"user_id", session.UserID, "organization_id", orgID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EndSessionHandler handles GET/POST /oauth2/endsession requests
// (RP-initiated logout). The login session is deleted and both cookie
// forms are cleared, so a TLS config change never leaves a live cookie
// behind. Refresh grants bound to the session fail from this point on.
func (h *Handler) EndSessionHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if session := h.currentLoginSession(ctx, req); session != nil {
		if err := h.storage.DeleteLoginSession(ctx, session.ID); err != nil {
			h.logger.Warn("failed to delete login session", "error", err, "session_id", session.ID)
		}
	}
	h.clearSessionCookies(w)

	if target := h.postLogoutRedirect(req); target != "" {
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// postLogoutRedirect returns the post_logout_redirect_uri if it is an
// absolute https (or loopback http) URL; anything else is ignored.
func (h *Handler) postLogoutRedirect(req *http.Request) string {
	raw := req.FormValue("post_logout_redirect_uri")
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ""
	}
	switch u.Scheme {
	case "https":
		return raw
	case "http":
		if storage.IsLoopbackHost(u.Hostname()) {
			return raw
		}
	}
	return ""
}
