// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the identity provider:
// the OAuth/OIDC protocol endpoints, the minimal login/consent/device
// pages, discovery documents, and dynamic client registration.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/credentials"
	"github.com/tasklane/identity/pkg/authserver/device"
	"github.com/tasklane/identity/pkg/authserver/keys"
	"github.com/tasklane/identity/pkg/authserver/metrics"
	"github.com/tasklane/identity/pkg/authserver/ratelimit"
	"github.com/tasklane/identity/pkg/authserver/registration"
	"github.com/tasklane/identity/pkg/authserver/storage"
	"github.com/tasklane/identity/pkg/authserver/tenancy"
	"github.com/tasklane/identity/pkg/notify"
)

// Deps carries the wired components the HTTP surface dispatches into.
type Deps struct {
	Config   *authserver.Config
	Provider fosite.OAuth2Provider
	Storage  storage.Storage
	Keys     *keys.Manager
	Verifier *credentials.Verifier
	Resolver *tenancy.Resolver
	Tenants  *tenancy.Service
	Registry *registration.Registry
	IDTokens *authserver.IDTokenSigner
	Limiter  *ratelimit.Limiter

	// Device is nil when the device-grant capability is disabled.
	Device *device.Service

	// Notifier is nil when notifications are disabled.
	Notifier *notify.Notifier

	Logger *slog.Logger
}

// Handler provides HTTP handlers for the identity provider endpoints.
type Handler struct {
	config   *authserver.Config
	provider fosite.OAuth2Provider
	storage  storage.Storage
	keys     *keys.Manager
	verifier *credentials.Verifier
	resolver *tenancy.Resolver
	tenants  *tenancy.Service
	registry *registration.Registry
	idTokens *authserver.IDTokenSigner
	limiter  *ratelimit.Limiter
	device   *device.Service
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a Handler from its dependencies.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:   deps.Config,
		provider: deps.Provider,
		storage:  deps.Storage,
		keys:     deps.Keys,
		verifier: deps.Verifier,
		resolver: deps.Resolver,
		tenants:  deps.Tenants,
		registry: deps.Registry,
		idTokens: deps.IDTokens,
		limiter:  deps.Limiter,
		device:   deps.Device,
		notifier: deps.Notifier,
		logger:   logger,
	}
}

// Routes returns the fully assembled router. Rate limits apply per
// route before any other request work; capability-gated surfaces are
// not mounted at all when disabled.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.config.Capabilities.Metrics {
		r.Use(metrics.Instrument)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)

	if h.config.Capabilities.DeviceGrant && h.device != nil {
		h.DeviceRoutes(r)
	}
	if h.config.Capabilities.DynamicRegistration {
		r.With(h.limiter.Middleware("registration", ratelimit.BudgetRegistration)).
			Post("/admin/clients/register", h.RegisterClientHandler)
	}

	r.Post("/session/org", h.SwitchOrgHandler)
	r.Get("/healthz", h.HealthHandler)

	return r
}

// OAuthRoutes registers the OAuth protocol endpoints on the router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth2/authorize", h.AuthorizeHandler)
	r.With(h.limiter.Middleware("signin", ratelimit.BudgetSignIn)).
		Post("/oauth2/authorize/login", h.LoginHandler)
	r.Post("/oauth2/authorize/consent", h.ConsentHandler)
	r.With(h.limiter.Middleware("token", ratelimit.BudgetToken)).
		Post("/oauth2/token", h.TokenHandler)
	r.With(h.limiter.Middleware("userinfo", ratelimit.BudgetUserInfo)).
		Get("/oauth2/userinfo", h.UserInfoHandler)
	r.Post("/oauth2/revoke", h.RevokeHandler)
	r.Get("/oauth2/endsession", h.EndSessionHandler)
	r.Post("/oauth2/endsession", h.EndSessionHandler)
}

// WellKnownRoutes registers the discovery endpoints on the router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/jwks", h.JWKSHandler)
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// DeviceRoutes registers the device grant endpoints on the router.
func (h *Handler) DeviceRoutes(r chi.Router) {
	r.With(h.limiter.Middleware("device-code", ratelimit.BudgetDeviceCode)).
		Post("/device/code", h.DeviceCodeHandler)
	r.Get("/device", h.DeviceVerificationPageHandler)
	r.Post("/device", h.DeviceVerificationHandler)
}

// HealthHandler reports storage backend availability.
func (h *Handler) HealthHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.storage.Health(req.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// notify enqueues a notification when the notifier is wired.
func (h *Handler) notify(kind notify.Kind, recipient string, data map[string]string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(notify.Message{Kind: kind, Recipient: recipient, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
