// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

func TestService_EnsureDefaultOrganization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)
	svc := NewService(store, nil)

	assert.Empty(t, svc.DefaultOrganizationID(), "no default before initialization")

	id, err := svc.EnsureDefaultOrganization(ctx, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, svc.DefaultOrganizationID())

	org, err := store.GetOrganizationBySlug(ctx, DefaultOrganizationSlug)
	require.NoError(t, err)
	assert.Equal(t, id, org.ID)

	// Re-running adopts the existing organization.
	again, err := svc.EnsureDefaultOrganization(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestService_CreateOrganization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)
	svc := NewService(store, nil)

	seedUser(t, store, "user-1")

	org, err := svc.CreateOrganization(ctx, "user-1", "Acme Corp", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", org.Slug)

	memberships, err := store.ListMembershipsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, storage.RoleOwner, memberships[0].Role)

	// Duplicate slug rejected.
	_, err = svc.CreateOrganization(ctx, "user-1", "Other", "acme-corp")
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = svc.CreateOrganization(ctx, "user-1", "No Slug", "---")
	assert.Error(t, err)
}

func TestService_SwitchOrganization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)
	svc := NewService(store, nil)

	seedUser(t, store, "user-1")
	seedOrg(t, store, "org-a")
	seedOrg(t, store, "org-b")
	seedMembership(t, store, "user-1", "org-a", storage.RoleOwner)
	seedSession(t, store, "sess-1", "user-1", "org-a")

	// Not a member of org-b.
	err := svc.SwitchOrganization(ctx, "sess-1", "org-b")
	assert.ErrorIs(t, err, storage.ErrNotAMember)

	seedMembership(t, store, "user-1", "org-b", storage.RoleMember)
	require.NoError(t, svc.SwitchOrganization(ctx, "sess-1", "org-b"))

	session, err := store.GetLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "org-b", session.ActiveOrganizationID)

	// Clearing the hint.
	require.NoError(t, svc.SwitchOrganization(ctx, "sess-1", ""))
	session, err = store.GetLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, session.ActiveOrganizationID)
}

func TestService_LeaveOrganizationLastOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withStore(t)
	svc := NewService(store, nil)

	seedUser(t, store, "user-1")
	seedUser(t, store, "user-2")
	seedOrg(t, store, "org-a")
	seedMembership(t, store, "user-1", "org-a", storage.RoleOwner)
	seedMembership(t, store, "user-2", "org-a", storage.RoleMember)

	err := svc.LeaveOrganization(ctx, "user-1", "org-a")
	assert.ErrorIs(t, err, storage.ErrLastOwner)

	require.NoError(t, svc.JoinOrganization(ctx, "user-2", "org-a", storage.RoleOwner))
	require.NoError(t, svc.LeaveOrganization(ctx, "user-1", "org-a"))
}
