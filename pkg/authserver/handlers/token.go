// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/jwt"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/device"
	"github.com/tasklane/identity/pkg/authserver/metrics"
	"github.com/tasklane/identity/pkg/authserver/storage"
)

// DeviceGrantType is the RFC 8628 grant type URN. Device polling is
// routed before fosite because the composed provider only knows the
// authorization-code, refresh, and PKCE handlers.
const DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// loginSessionCarrier is implemented by sessions bound to a browser
// login session.
type loginSessionCarrier interface {
	GetLoginSessionID() string
}

// TokenHandler handles POST /oauth2/token requests: authorization-code
// exchange, refresh grants, and device-grant polling.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		h.provider.WriteAccessError(ctx, w, nil, fosite.ErrInvalidRequest.WithHint("malformed form body"))
		return
	}

	if req.PostFormValue("grant_type") == DeviceGrantType {
		h.deviceTokenExchange(w, req)
		return
	}

	// Template session for deserialization; the stored authorize-code or
	// refresh-token session supplies the real claims.
	sess := authserver.NewSession("", "", "", nil)

	accessRequest, err := h.provider.NewAccessRequest(ctx, req, sess)
	if err != nil {
		h.logger.Warn("failed to create access request", "error", err)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	if accessRequest.GetGrantTypes().ExactOne("refresh_token") {
		if err := h.refreshSessionClaims(ctx, accessRequest); err != nil {
			h.logger.Warn("refresh claim resolution failed", "error", err)
			h.provider.WriteAccessError(ctx, w, accessRequest, err)
			return
		}
	}

	response, err := h.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		h.logger.Warn("failed to create access response", "error", err)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	if accessRequest.GetGrantedScopes().Has("openid") {
		h.attachIDToken(ctx, accessRequest, response)
	}

	for _, grantType := range accessRequest.GetGrantTypes() {
		metrics.TokenIssued(grantType)
	}

	h.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// refreshSessionClaims replaces the stored session on a refresh grant
// with a freshly resolved one, so an organization switch or membership
// change shows up on the next refresh without touching already-issued
// tokens. A revoked login session kills the whole chain.
func (h *Handler) refreshSessionClaims(ctx context.Context, accessRequest fosite.AccessRequester) error {
	sess := accessRequest.GetSession()
	subject := sess.GetSubject()
	if subject == "" {
		return fosite.ErrInvalidGrant.WithHint("The refresh token has no subject.")
	}

	loginSessionID := ""
	if carrier, ok := sess.(loginSessionCarrier); ok {
		loginSessionID = carrier.GetLoginSessionID()
	}
	if loginSessionID != "" {
		loginSession, err := h.storage.GetLoginSession(ctx, loginSessionID)
		if err != nil || loginSession.Expired(time.Now()) {
			return fosite.ErrInvalidGrant.WithHint("The login session has been revoked.")
		}
	}

	claims, err := h.resolver.Resolve(ctx, subject, loginSessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fosite.ErrInvalidGrant.WithHint("The user no longer exists.")
		}
		return fosite.ErrServerError.WithWrap(err)
	}

	fresh := authserver.NewSession(subject, loginSessionID, accessRequest.GetClient().GetID(), claims.ToMap())
	now := time.Now()
	fresh.SetExpiresAt(fosite.AccessToken, now.Add(h.config.AccessTokenLifespan))
	fresh.SetExpiresAt(fosite.RefreshToken, now.Add(h.config.RefreshTokenLifespan))
	accessRequest.SetSession(fresh)
	return nil
}

// attachIDToken signs an ID token from the final session claims and adds
// it to the token response. Failures degrade to a token response without
// id_token rather than failing the whole exchange.
func (h *Handler) attachIDToken(ctx context.Context, accessRequest fosite.AccessRequester, response fosite.AccessResponder) {
	sess := accessRequest.GetSession()
	subject := sess.GetSubject()

	var extra map[string]any
	if container, ok := sess.(interface{ GetJWTClaims() jwt.JWTClaimsContainer }); ok {
		if claims, ok := container.GetJWTClaims().(*jwt.JWTClaims); ok {
			extra = claims.Extra
		}
	}

	idToken, err := h.idTokens.Sign(ctx, subject, accessRequest.GetClient().GetID(), extra)
	if err != nil {
		h.logger.Error("failed to sign ID token", "error", err)
		return
	}
	response.SetExtra("id_token", idToken)
}

// deviceTokenExchange handles grant_type=urn:ietf:params:oauth:grant-type:device_code.
func (h *Handler) deviceTokenExchange(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if h.device == nil {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "device grant is not enabled")
		return
	}

	deviceCode := req.PostFormValue("device_code")
	clientID := req.PostFormValue("client_id")
	if deviceCode == "" || clientID == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "device_code and client_id are required")
		return
	}

	da, err := h.storage.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil || da.ClientID != clientID {
		metrics.DevicePoll("invalid_grant")
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unknown device code")
		return
	}

	tokens, err := h.device.Poll(ctx, deviceCode)
	if err != nil {
		code := deviceErrorCode(err)
		metrics.DevicePoll(code)
		writeTokenError(w, http.StatusBadRequest, code, "")
		return
	}

	metrics.DevicePoll("issued")
	metrics.TokenIssued("device_code")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokens)
}

// RevokeHandler handles POST /oauth2/revoke requests (RFC 7009).
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	err := h.provider.NewRevocationRequest(ctx, req)
	if err != nil {
		h.logger.Warn("revocation request failed", "error", err)
	}
	h.provider.WriteRevocationResponse(ctx, w, err)
}

func deviceErrorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrAuthorizationPending):
		return "authorization_pending"
	case errors.Is(err, device.ErrSlowDown):
		return "slow_down"
	case errors.Is(err, device.ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, device.ErrAccessDenied):
		return "access_denied"
	default:
		return "invalid_grant"
	}
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, body)
}
