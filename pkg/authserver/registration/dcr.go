// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration implements the OAuth client registry: static
// pre-seeded clients and RFC 7591 dynamic client registration.
//
// Dynamic registration is deliberately open. Unregistered CLI and agent
// tooling must be able to self-register without pre-provisioned
// credentials; the resulting client still has to obtain user authorization
// through the code/PKCE or device flow, and is never trusted, so consent
// is always required.
package registration

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	DCRErrorInvalidRedirectURI    = "invalid_redirect_uri"
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Request size limits.
const (
	MaxRedirectURICount = 10
	MaxClientNameLength = 256
)

// DCRRequest is a dynamic client registration request per RFC 7591
// Section 2.
type DCRRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod selects the client type: "none" registers
	// a public client, "client_secret_basic" or "client_secret_post" a
	// confidential one. Defaults to "none".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes defaults to ["authorization_code", "refresh_token"].
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty"`

	Scope string `json:"scope,omitempty"`
}

// DCRResponse is a successful registration response per RFC 7591
// Section 3.2.1. ClientSecret is present exactly once, for confidential
// clients; only its hash is stored.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

// DCRError is a registration error response per RFC 7591 Section 3.2.2.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func dcrError(code, format string, args ...any) *DCRError {
	return &DCRError{Error: code, ErrorDescription: fmt.Sprintf(format, args...)}
}

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

var defaultResponseTypes = []string{"code"}

var allowedAuthMethods = map[string]bool{
	"none":                true,
	"client_secret_basic": true,
	"client_secret_post":  true,
}

// ValidateDCRRequest validates a registration request and applies RFC 7591
// defaults. Returns the normalized request or a protocol error.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, dcrError(DCRErrorInvalidRedirectURI, "redirect_uris is required")
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, dcrError(DCRErrorInvalidRedirectURI, "too many redirect_uris (maximum %d)", MaxRedirectURICount)
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, dcrError(DCRErrorInvalidClientMetadata, "client_name too long (maximum %d characters)", MaxClientNameLength)
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if !allowedAuthMethods[authMethod] {
		return nil, dcrError(DCRErrorInvalidClientMetadata, "unsupported token_endpoint_auth_method: %s", authMethod)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// authorization_code is required explicitly; a refresh_token-only
	// registration would otherwise pass the allowlist with no way to
	// obtain its first refresh token.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, dcrError(DCRErrorInvalidClientMetadata, "grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, dcrError(DCRErrorInvalidClientMetadata, "unsupported grant_type: %s", gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, dcrError(DCRErrorInvalidClientMetadata, "unsupported response_type: %s", rt)
		}
	}

	return &DCRRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   req.Scope,
	}, nil
}

// ValidateRedirectURI enforces the redirect policy per RFC 8252: https for
// any host, plain http only for loopback addresses. Private-use schemes
// and fragments are rejected.
func ValidateRedirectURI(uri string) *DCRError {
	parsed, err := url.Parse(uri)
	if err != nil {
		return dcrError(DCRErrorInvalidRedirectURI, "redirect_uri is not a valid URI: %s", uri)
	}
	if parsed.Fragment != "" {
		return dcrError(DCRErrorInvalidRedirectURI, "redirect_uri must not contain a fragment: %s", uri)
	}
	if parsed.Host == "" {
		return dcrError(DCRErrorInvalidRedirectURI, "redirect_uri must be absolute: %s", uri)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if storage.IsLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return dcrError(DCRErrorInvalidRedirectURI, "http redirect_uri is only allowed for loopback addresses: %s", uri)
	default:
		return dcrError(DCRErrorInvalidRedirectURI, "unsupported redirect_uri scheme: %s", parsed.Scheme)
	}
}
