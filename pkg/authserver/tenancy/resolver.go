// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tenancy resolves the organization context for issued tokens and
// manages active-organization switching.
//
// A user may belong to any number of organizations but every token is
// scoped to exactly one, the tenant. The login session carries an
// active-organization hint; resolution validates the hint against the
// user's current memberships on every call, so a revoked membership can
// never leak into a newly issued token.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// Claims is the resolved claim set merged into access and ID tokens.
type Claims struct {
	Subject         string
	Email           string
	EmailVerified   bool
	Name            string
	GivenName       string
	Locale          string
	Role            string
	TenantID        string
	OrganizationIDs []string
	OrgRole         string
}

// ToMap renders the claims for a JWT payload. TenantID and OrgRole render
// as JSON null when the user has no memberships; organization_ids is
// always present, empty rather than null.
func (c *Claims) ToMap() map[string]any {
	m := map[string]any{
		"sub":              c.Subject,
		"email":            c.Email,
		"email_verified":   c.EmailVerified,
		"organization_ids": c.OrganizationIDs,
	}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if c.GivenName != "" {
		m["given_name"] = c.GivenName
	}
	if c.Locale != "" {
		m["locale"] = c.Locale
	}
	if c.Role != "" {
		m["role"] = c.Role
	}
	if c.TenantID != "" {
		m["tenant_id"] = c.TenantID
		m["org_role"] = c.OrgRole
	} else {
		m["tenant_id"] = nil
		m["org_role"] = nil
	}
	return m
}

// Resolver assembles claim sets from profile, membership, and session state.
type Resolver struct {
	store  storage.TenantStorage
	logger *slog.Logger
}

// NewResolver creates a claims resolver over the given tenant storage.
func NewResolver(store storage.TenantStorage, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve builds the claim set for a user. loginSessionID may be empty
// (device grant approvals carry no browser session); a missing or expired
// session simply drops the active-organization hint.
//
// The tenant is the session's active organization when it is still among
// the user's memberships, otherwise the first membership, otherwise none.
func (r *Resolver) Resolve(ctx context.Context, userID, loginSessionID string) (*Claims, error) {
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	memberships, err := r.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}

	var activeHint string
	if loginSessionID != "" {
		session, err := r.store.GetLoginSession(ctx, loginSessionID)
		switch {
		case err == nil:
			activeHint = session.ActiveOrganizationID
		case errors.Is(err, storage.ErrNotFound):
			r.logger.Debug("login session gone, resolving without active-org hint",
				"user_id", userID)
		default:
			return nil, fmt.Errorf("failed to load login session: %w", err)
		}
	}

	claims := &Claims{
		Subject:         user.ID,
		Email:           user.Email,
		EmailVerified:   user.EmailVerified,
		Name:            user.Name,
		GivenName:       user.GivenName,
		Locale:          user.Locale,
		Role:            user.Role,
		OrganizationIDs: make([]string, 0, len(memberships)),
	}

	var tenant *storage.Membership
	for _, m := range memberships {
		claims.OrganizationIDs = append(claims.OrganizationIDs, m.OrganizationID)
		if m.OrganizationID == activeHint {
			tenant = m
		}
	}
	if tenant == nil && len(memberships) > 0 {
		tenant = memberships[0]
	}
	if tenant != nil {
		claims.TenantID = tenant.OrganizationID
		claims.OrgRole = string(tenant.Role)
	}

	return claims, nil
}
