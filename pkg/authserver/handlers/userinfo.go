// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/ory/fosite"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/storage"
)

// UserInfoHandler handles GET /oauth2/userinfo requests. Claims are
// resolved fresh on every call, so an organization switch is visible
// here before the client ever refreshes its token.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	token := fosite.AccessTokenFromRequest(req)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_request"})
		return
	}

	_, requester, err := h.provider.IntrospectToken(ctx, token, fosite.AccessToken, authserver.NewSession("", "", "", nil))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	sess := requester.GetSession()
	subject := sess.GetSubject()
	loginSessionID := ""
	if carrier, ok := sess.(loginSessionCarrier); ok {
		loginSessionID = carrier.GetLoginSessionID()
	}

	claims, err := h.resolver.Resolve(ctx, subject, loginSessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		h.logger.Error("failed to resolve userinfo claims", "error", err, "user_id", subject)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, claims.ToMap())
}
