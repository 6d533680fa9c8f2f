// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
)

// Cache-Control max-age for the discovery and JWKS endpoints (1 hour).
// Balances caching efficiency with timely key rotation propagation; the
// rotation grace period is far longer than this window.
const discoveryCacheMaxAge = 3600

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// OIDCDiscoveryDocument extends the RFC 8414 metadata with the OIDC
// discovery fields.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported,omitempty"`
}

// buildOAuthMetadata constructs the base RFC 8414 metadata shared by
// both discovery endpoints.
func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	issuer := h.config.Issuer

	metadata := AuthorizationServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth2/authorize",
		TokenEndpoint:                 issuer + "/oauth2/token",
		UserInfoEndpoint:              issuer + "/oauth2/userinfo",
		JWKSURI:                       issuer + "/.well-known/jwks.json",
		RevocationEndpoint:            issuer + "/oauth2/revoke",
		EndSessionEndpoint:            issuer + "/oauth2/endsession",
		ScopesSupported:               []string{"openid", "profile", "email", "offline_access"},
		ResponseTypesSupported:        []string{"code"},
		CodeChallengeMethodsSupported: []string{"S256"},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
		},
		TokenEndpointAuthMethodsSupported: []string{
			"none",
			"client_secret_basic",
			"client_secret_post",
		},
	}

	if h.config.Capabilities.DynamicRegistration {
		metadata.RegistrationEndpoint = issuer + "/admin/clients/register"
	}
	if h.config.Capabilities.DeviceGrant {
		metadata.DeviceAuthorizationEndpoint = issuer + "/device/code"
		metadata.GrantTypesSupported = append(metadata.GrantTypesSupported, DeviceGrantType)
	}

	return metadata
}

// JWKSHandler handles GET /jwks and GET /.well-known/jwks.json requests.
// The document carries the signing key plus all verify-only keys inside
// their grace window, never retired keys and never private material.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	jwks, err := h.keys.PublicJWKS(req.Context())
	if err != nil {
		h.logger.Error("failed to load public JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, jwks)
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests (RFC 8414).
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, h.buildOAuthMetadata())
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	discovery := OIDCDiscoveryDocument{
		AuthorizationServerMetadata:      h.buildOAuthMetadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ClaimsSupported: []string{
			"sub", "email", "email_verified", "name", "given_name", "locale",
			"tenant_id", "organization_ids", "org_role",
		},
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, discovery)
}
