// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	t.Parallel()

	sess := NewSession("user-1", "login-1", "client-1", map[string]any{
		"email":     "ada@tasklane.dev",
		"tenant_id": "org-1",
	})

	assert.Equal(t, "user-1", sess.GetSubject())
	assert.Equal(t, "login-1", sess.GetLoginSessionID())

	extra := sess.JWTClaims.Extra
	assert.Equal(t, "login-1", extra[LoginSessionIDClaimKey])
	assert.Equal(t, "client-1", extra[ClientIDClaimKey])
	assert.Equal(t, "client-1", extra[AuthorizedPartyClaimKey])
	assert.Equal(t, "ada@tasklane.dev", extra["email"])
	assert.Equal(t, "org-1", extra["tenant_id"])
}

func TestNewSessionOmitsEmptyBindings(t *testing.T) {
	t.Parallel()

	// Device-grant chains have no login session; template sessions have
	// neither binding.
	sess := NewSession("user-1", "", "", nil)

	extra := sess.JWTClaims.Extra
	assert.NotContains(t, extra, LoginSessionIDClaimKey)
	assert.NotContains(t, extra, ClientIDClaimKey)
	assert.NotContains(t, extra, AuthorizedPartyClaimKey)
}

func TestSessionNilSafety(t *testing.T) {
	t.Parallel()

	var sess *Session
	assert.Empty(t, sess.GetSubject())
	assert.Empty(t, sess.GetLoginSessionID())
	assert.True(t, sess.GetExpiresAt(fosite.AccessToken).IsZero())
	assert.Nil(t, sess.Clone())

	// A session deserialized without inner state initializes on write.
	partial := &Session{}
	partial.SetSubject("user-2")
	assert.Equal(t, "user-2", partial.GetSubject())

	exp := time.Now().Add(time.Hour)
	partial.SetExpiresAt(fosite.RefreshToken, exp)
	assert.WithinDuration(t, exp, partial.GetExpiresAt(fosite.RefreshToken), time.Second)
}

func TestSessionClone(t *testing.T) {
	t.Parallel()

	orig := NewSession("user-1", "login-1", "client-1", map[string]any{"email": "a@b.c"})
	orig.SetExpiresAt(fosite.AccessToken, time.Now().Add(time.Hour))

	clone, ok := orig.Clone().(*Session)
	require.True(t, ok)
	assert.Equal(t, "user-1", clone.GetSubject())
	assert.Equal(t, "login-1", clone.GetLoginSessionID())

	// Mutating the clone must not reach back into the original.
	clone.JWTClaims.Extra["email"] = "mutated@b.c"
	assert.Equal(t, "a@b.c", orig.JWTClaims.Extra["email"])
}
