// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tasklane/identity/pkg/authserver/registration"
)

// maxDCRBodySize bounds the registration request body.
const maxDCRBodySize = 64 * 1024

// RegisterClientHandler handles POST /admin/clients/register requests
// (RFC 7591). Registration is open: no initial access token, but every
// dynamic client is untrusted and goes through consent.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var dcrReq registration.DCRRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxDCRBodySize))
	if err := decoder.Decode(&dcrReq); err != nil {
		writeDCRError(w, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "request body is not valid JSON",
		})
		return
	}

	resp, dcrErr, err := h.registry.Register(ctx, &dcrReq)
	if err != nil {
		h.logger.Error("dynamic client registration failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if dcrErr != nil {
		writeDCRError(w, dcrErr)
		return
	}

	h.logger.Info("registered dynamic client", "client_id", resp.ClientID)
	writeJSON(w, http.StatusCreated, resp)
}

// writeDCRError writes an RFC 7591 section 3.2.2 error response.
func writeDCRError(w http.ResponseWriter, dcrErr *registration.DCRError) {
	writeJSON(w, http.StatusBadRequest, dcrErr)
}
