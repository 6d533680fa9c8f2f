// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

func withStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, store *storage.MemoryStorage, id string) *storage.User {
	t.Helper()
	user := &storage.User{
		ID:            id,
		Email:         id + "@example.com",
		EmailVerified: true,
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		Locale:        "en-GB",
		Role:          "user",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func seedOrg(t *testing.T, store *storage.MemoryStorage, id string) *storage.Organization {
	t.Helper()
	org := &storage.Organization{ID: id, Name: id, Slug: id, CreatedAt: time.Now()}
	require.NoError(t, store.CreateOrganization(context.Background(), org))
	return org
}

func seedMembership(t *testing.T, store *storage.MemoryStorage, userID, orgID string, role storage.MembershipRole) {
	t.Helper()
	require.NoError(t, store.AddMembership(context.Background(), &storage.Membership{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now(),
	}))
}

func seedSession(t *testing.T, store *storage.MemoryStorage, id, userID, activeOrg string) {
	t.Helper()
	require.NoError(t, store.CreateLoginSession(context.Background(), &storage.LoginSession{
		ID:                   id,
		UserID:               userID,
		ActiveOrganizationID: activeOrg,
		CreatedAt:            time.Now(),
		ExpiresAt:            time.Now().Add(time.Hour),
	}))
}

func TestResolver_ActiveOrgWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedOrg(t, store, "org-b")
	seedMembership(t, store, "user-1", "org-a", storage.RoleOwner)
	seedMembership(t, store, "user-1", "org-b", storage.RoleMember)
	seedSession(t, store, "sess-1", "user-1", "org-b")

	claims, err := NewResolver(store, nil).Resolve(ctx, "user-1", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "org-b", claims.TenantID)
	assert.Equal(t, "member", claims.OrgRole)
	assert.Equal(t, []string{"org-a", "org-b"}, claims.OrganizationIDs)
}

func TestResolver_FirstMembershipFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedOrg(t, store, "org-b")
	seedMembership(t, store, "user-1", "org-a", storage.RoleAdmin)
	seedMembership(t, store, "user-1", "org-b", storage.RoleMember)

	resolver := NewResolver(store, nil)

	// No session at all.
	claims, err := resolver.Resolve(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, "org-a", claims.TenantID, "first membership is the deterministic fallback")
	assert.Equal(t, "admin", claims.OrgRole)

	// Session without an active-org hint.
	seedSession(t, store, "sess-1", "user-1", "")
	claims, err = resolver.Resolve(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "org-a", claims.TenantID)
}

func TestResolver_StaleHintIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedMembership(t, store, "user-1", "org-a", storage.RoleMember)
	// Hint points at an organization the user does not belong to.
	seedSession(t, store, "sess-1", "user-1", "org-gone")

	claims, err := NewResolver(store, nil).Resolve(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "org-a", claims.TenantID, "a stale hint must never become the tenant")
}

func TestResolver_NoMemberships(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")

	claims, err := NewResolver(store, nil).Resolve(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, claims.TenantID)
	assert.Empty(t, claims.OrgRole)
	assert.Empty(t, claims.OrganizationIDs)

	m := claims.ToMap()
	assert.Nil(t, m["tenant_id"])
	assert.Nil(t, m["org_role"])
	assert.Equal(t, []string{}, m["organization_ids"], "empty list, not null")
}

func TestResolver_ExpiredSessionDropsHint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedOrg(t, store, "org-b")
	seedMembership(t, store, "user-1", "org-a", storage.RoleMember)
	seedMembership(t, store, "user-1", "org-b", storage.RoleMember)

	require.NoError(t, store.CreateLoginSession(ctx, &storage.LoginSession{
		ID:                   "sess-expired",
		UserID:               "user-1",
		ActiveOrganizationID: "org-b",
		CreatedAt:            time.Now().Add(-2 * time.Hour),
		ExpiresAt:            time.Now().Add(-time.Hour),
	}))

	claims, err := NewResolver(store, nil).Resolve(ctx, "user-1", "sess-expired")
	require.NoError(t, err)
	assert.Equal(t, "org-a", claims.TenantID)
}

func TestResolver_UnknownUser(t *testing.T) {
	t.Parallel()

	store := withStore(t)
	_, err := NewResolver(store, nil).Resolve(context.Background(), "nope", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolver_ToMapProfileClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedMembership(t, store, "user-1", "org-a", storage.RoleOwner)

	claims, err := NewResolver(store, nil).Resolve(ctx, "user-1", "")
	require.NoError(t, err)

	m := claims.ToMap()
	assert.Equal(t, "user-1", m["sub"])
	assert.Equal(t, "user-1@example.com", m["email"])
	assert.Equal(t, true, m["email_verified"])
	assert.Equal(t, "Ada Lovelace", m["name"])
	assert.Equal(t, "Ada", m["given_name"])
	assert.Equal(t, "en-GB", m["locale"])
	assert.Equal(t, "org-a", m["tenant_id"])
	assert.Equal(t, "owner", m["org_role"])
}
