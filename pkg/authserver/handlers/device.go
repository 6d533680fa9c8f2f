// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tasklane/identity/pkg/authserver/device"
	"github.com/tasklane/identity/pkg/notify"
)

// DeviceCodeHandler handles POST /device/code requests (RFC 8628
// device authorization endpoint). Only clients on the device allow-list
// may start the flow.
func (h *Handler) DeviceCodeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID := req.PostFormValue("client_id")
	if clientID == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	scopes := strings.Fields(req.PostFormValue("scope"))

	resp, err := h.device.RequestCode(ctx, clientID, scopes)
	if err != nil {
		if errors.Is(err, device.ErrClientNotAllowed) {
			writeTokenError(w, http.StatusBadRequest, "unauthorized_client", "client is not allowed to use the device grant")
			return
		}
		h.logger.Error("failed to create device authorization", "error", err, "client_id", clientID)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// DeviceVerificationPageHandler handles GET /device requests: the page
// where the user types the code shown on their device. A login session
// is required; without one the login page is shown first, then the
// browser returns here.
func (h *Handler) DeviceVerificationPageHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if h.currentLoginSession(ctx, req) == nil {
		h.renderPage(w, "login", loginPageData{Error: "Sign in to connect a device."})
		return
	}

	h.renderPage(w, "device", devicePageData{
		UserCode: req.URL.Query().Get("user_code"),
	})
}

// DeviceVerificationHandler handles POST /device requests: code lookup
// and the approve/deny decision.
func (h *Handler) DeviceVerificationHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		h.renderPage(w, "device", devicePageData{Error: "Malformed request."})
		return
	}

	session := h.currentLoginSession(ctx, req)
	if session == nil {
		w.WriteHeader(http.StatusUnauthorized)
		h.renderPage(w, "login", loginPageData{Error: "Sign in to connect a device."})
		return
	}

	userCode := req.PostFormValue("user_code")
	action := req.PostFormValue("action")

	switch action {
	case "approve":
		if err := h.device.Approve(ctx, userCode, session.UserID); err != nil {
			h.renderPage(w, "device", devicePageData{UserCode: userCode, Error: deviceVerificationError(err)})
			return
		}
		if user, err := h.storage.GetUser(ctx, session.UserID); err == nil {
			h.notify(notify.KindDeviceApproved, user.Email, map[string]string{"user_code": userCode})
		}
		h.renderPage(w, "device_done", deviceDonePageData{
			Title:  "Device connected",
			Detail: "The device has been approved.",
		})

	case "deny":
		if err := h.device.Deny(ctx, userCode); err != nil {
			h.renderPage(w, "device", devicePageData{UserCode: userCode, Error: deviceVerificationError(err)})
			return
		}
		h.renderPage(w, "device_done", deviceDonePageData{
			Title:  "Device rejected",
			Detail: "The device has been denied access.",
		})

	default:
		da, err := h.device.Lookup(ctx, userCode)
		if err != nil {
			h.renderPage(w, "device", devicePageData{UserCode: userCode, Error: deviceVerificationError(err)})
			return
		}
		client, clientErr := h.storage.GetClient(ctx, da.ClientID)
		clientName := da.ClientID
		if clientErr == nil {
			clientName = clientDisplayName(client)
		}
		h.renderPage(w, "device", devicePageData{
			UserCode:   da.UserCode,
			ClientName: clientName,
			Confirm:    true,
		})
	}
}

func deviceVerificationError(err error) string {
	switch {
	case errors.Is(err, device.ErrInvalidUserCode):
		return "That code was not recognized. Check the code on your device and try again."
	case errors.Is(err, device.ErrExpiredToken):
		return "That code has expired. Request a new code on your device."
	case errors.Is(err, device.ErrAlreadyResolved):
		return "That code has already been used."
	default:
		return "Something went wrong. Try again."
	}
}
