// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the withStorage helper which calls t.Parallel() internally,
// making all subtests parallel despite not having explicit t.Parallel() calls.
//
//nolint:paralleltest // parallel execution handled by withStorage helper
package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Types ---

type mockSession struct {
	subject   string
	expiresAt map[fosite.TokenType]time.Time
}

func newMockSession() *mockSession {
	return &mockSession{subject: "test-subject", expiresAt: make(map[fosite.TokenType]time.Time)}
}

func (s *mockSession) SetExpiresAt(key fosite.TokenType, exp time.Time) { s.expiresAt[key] = exp }
func (s *mockSession) GetExpiresAt(key fosite.TokenType) time.Time      { return s.expiresAt[key] }
func (*mockSession) GetUsername() string                                { return "" }
func (s *mockSession) GetSubject() string                               { return s.subject }
func (s *mockSession) Clone() fosite.Session {
	clone := &mockSession{subject: s.subject, expiresAt: make(map[fosite.TokenType]time.Time)}
	for k, v := range s.expiresAt {
		clone.expiresAt[k] = v
	}
	return clone
}

type mockClient struct {
	id            string
	secret        []byte
	redirectURIs  []string
	grantTypes    []string
	responseTypes []string
	scopes        []string
	public        bool
}

func (c *mockClient) GetID() string                      { return c.id }
func (c *mockClient) GetHashedSecret() []byte            { return c.secret }
func (c *mockClient) GetRedirectURIs() []string          { return c.redirectURIs }
func (c *mockClient) GetGrantTypes() fosite.Arguments    { return c.grantTypes }
func (c *mockClient) GetResponseTypes() fosite.Arguments { return c.responseTypes }
func (c *mockClient) GetScopes() fosite.Arguments        { return c.scopes }
func (c *mockClient) IsPublic() bool                     { return c.public }
func (*mockClient) GetAudience() fosite.Arguments        { return nil }

type mockRequester struct {
	id                string
	requestedAt       time.Time
	client            fosite.Client
	requestedScopes   fosite.Arguments
	requestedAudience fosite.Arguments
	grantedScopes     fosite.Arguments
	grantedAudience   fosite.Arguments
	form              url.Values
	session           fosite.Session
}

func newMockRequester(id string, client fosite.Client) *mockRequester {
	return &mockRequester{
		id: id, requestedAt: time.Now(), client: client,
		requestedScopes: fosite.Arguments{"openid", "profile"}, grantedScopes: fosite.Arguments{"openid"},
		requestedAudience: fosite.Arguments{}, grantedAudience: fosite.Arguments{},
		form: make(url.Values), session: newMockSession(),
	}
}

func (r *mockRequester) SetID(id string)                           { r.id = id }
func (r *mockRequester) GetID() string                             { return r.id }
func (r *mockRequester) GetRequestedAt() time.Time                 { return r.requestedAt }
func (r *mockRequester) GetClient() fosite.Client                  { return r.client }
func (r *mockRequester) GetRequestedScopes() fosite.Arguments      { return r.requestedScopes }
func (r *mockRequester) GetRequestedAudience() fosite.Arguments    { return r.requestedAudience }
func (r *mockRequester) SetRequestedScopes(s fosite.Arguments)     { r.requestedScopes = s }
func (r *mockRequester) SetRequestedAudience(aud fosite.Arguments) { r.requestedAudience = aud }
func (r *mockRequester) AppendRequestedScope(scope string) {
	r.requestedScopes = append(r.requestedScopes, scope)
}
func (r *mockRequester) GetGrantedScopes() fosite.Arguments   { return r.grantedScopes }
func (r *mockRequester) GetGrantedAudience() fosite.Arguments { return r.grantedAudience }
func (r *mockRequester) GrantScope(scope string)              { r.grantedScopes = append(r.grantedScopes, scope) }
func (r *mockRequester) GrantAudience(aud string)             { r.grantedAudience = append(r.grantedAudience, aud) }
func (r *mockRequester) GetSession() fosite.Session           { return r.session }
func (r *mockRequester) SetSession(s fosite.Session)          { r.session = s }
func (r *mockRequester) GetRequestForm() url.Values           { return r.form }
func (*mockRequester) Merge(_ fosite.Requester)               {}
func (r *mockRequester) Sanitize(_ []string) fosite.Requester { return r }

// --- Test Helpers ---

func withStorage(t *testing.T, fn func(context.Context, *MemoryStorage)) {
	t.Helper()
	t.Parallel()
	storage := NewMemoryStorage()
	defer storage.Close()
	fn(context.Background(), storage)
}

func requireNotFoundError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound, "should match storage.ErrNotFound")
}

func testClient() *mockClient { return &mockClient{id: "test-client"} }

func testUser(id, email string) *User {
	now := time.Now()
	return &User{
		ID:         id,
		Email:      email,
		Name:       "Test User",
		HashScheme: SchemeArgon2ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testOrg(id, slug string) *Organization {
	return &Organization{ID: id, Name: slug, Slug: slug, CreatedAt: time.Now()}
}

// --- Fosite Storage Tests ---

func TestMemoryStorage_ClientLookup(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		client := testClient()
		require.NoError(t, s.RegisterClient(ctx, client))

		got, err := s.GetClient(ctx, client.id)
		require.NoError(t, err)
		assert.Equal(t, client.id, got.GetID())

		_, err = s.GetClient(ctx, "missing")
		requireNotFoundError(t, err)
		assert.ErrorIs(t, err, fosite.ErrNotFound)
	})
}

func TestMemoryStorage_AuthorizeCodeLifecycle(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		req := newMockRequester("req-1", testClient())
		require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-1", req))

		got, err := s.GetAuthorizeCodeSession(ctx, "code-1", nil)
		require.NoError(t, err)
		assert.Equal(t, "req-1", got.GetID())

		require.NoError(t, s.InvalidateAuthorizeCodeSession(ctx, "code-1"))

		// A consumed code must surface the requester with the sentinel
		// error so replay can trigger revocation of the whole grant.
		got, err = s.GetAuthorizeCodeSession(ctx, "code-1", nil)
		require.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
		require.NotNil(t, got)
		assert.Equal(t, "req-1", got.GetID())
	})
}

func TestMemoryStorage_AuthorizeCodeValidation(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		err := s.CreateAuthorizeCodeSession(ctx, "", newMockRequester("r", testClient()))
		require.Error(t, err)

		err = s.CreateAuthorizeCodeSession(ctx, "code", nil)
		require.Error(t, err)

		err = s.InvalidateAuthorizeCodeSession(ctx, "missing")
		requireNotFoundError(t, err)
	})
}

func TestMemoryStorage_TokenRotation(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		req := newMockRequester("grant-1", testClient())
		require.NoError(t, s.CreateAccessTokenSession(ctx, "at-sig", req))
		require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-sig", "at-sig", req))

		require.NoError(t, s.RotateRefreshToken(ctx, "grant-1", "rt-sig"))

		_, err := s.GetRefreshTokenSession(ctx, "rt-sig", nil)
		requireNotFoundError(t, err)
		_, err = s.GetAccessTokenSession(ctx, "at-sig", nil)
		requireNotFoundError(t, err)
	})
}

func TestMemoryStorage_RevokeByRequestID(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		req := newMockRequester("grant-1", testClient())
		other := newMockRequester("grant-2", testClient())
		require.NoError(t, s.CreateAccessTokenSession(ctx, "at-1", req))
		require.NoError(t, s.CreateAccessTokenSession(ctx, "at-2", other))

		require.NoError(t, s.RevokeAccessToken(ctx, "grant-1"))

		_, err := s.GetAccessTokenSession(ctx, "at-1", nil)
		requireNotFoundError(t, err)
		_, err = s.GetAccessTokenSession(ctx, "at-2", nil)
		require.NoError(t, err)
	})
}

func TestMemoryStorage_ClientAssertionJWT(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-1"))

		require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-1", time.Now().Add(time.Minute)))
		assert.ErrorIs(t, s.ClientAssertionJWTValid(ctx, "jti-1"), fosite.ErrJTIKnown)

		// Expired JTI may be reused.
		require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-2", time.Now().Add(-time.Minute)))
		require.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-2"))
	})
}

// --- Pending Authorization Tests ---

func TestMemoryStorage_PendingAuthorizationConsumeOnce(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		pending := &PendingAuthorization{
			ID:                  "pa-1",
			ClientID:            "test-client",
			RedirectURI:         "https://app.example.com/callback",
			State:               "xyz",
			CodeChallenge:       "challenge",
			CodeChallengeMethod: "S256",
			Scopes:              []string{"openid", "profile"},
			CreatedAt:           time.Now(),
		}
		require.NoError(t, s.StorePendingAuthorization(ctx, pending))

		got, err := s.ConsumePendingAuthorization(ctx, "pa-1")
		require.NoError(t, err)
		assert.Equal(t, pending.ClientID, got.ClientID)
		assert.Equal(t, pending.Scopes, got.Scopes)

		_, err = s.ConsumePendingAuthorization(ctx, "pa-1")
		requireNotFoundError(t, err)
	})
}

// --- Tenant Storage Tests ---

func TestMemoryStorage_UserUniqueness(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateUser(ctx, testUser("u1", "ada@example.com")))

		err := s.CreateUser(ctx, testUser("u1", "other@example.com"))
		assert.ErrorIs(t, err, ErrDuplicate)

		err = s.CreateUser(ctx, testUser("u2", "ADA@example.com"))
		assert.ErrorIs(t, err, ErrDuplicate, "email uniqueness is case-insensitive")

		got, err := s.GetUserByEmail(ctx, "Ada@Example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)
	})
}

func TestMemoryStorage_UpdateUserEmailIndex(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		user := testUser("u1", "old@example.com")
		require.NoError(t, s.CreateUser(ctx, user))

		user.Email = "new@example.com"
		require.NoError(t, s.UpdateUser(ctx, user))

		_, err := s.GetUserByEmail(ctx, "old@example.com")
		requireNotFoundError(t, err)

		got, err := s.GetUserByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)
	})
}

func TestMemoryStorage_MembershipOrder(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateUser(ctx, testUser("u1", "ada@example.com")))
		for i, slug := range []string{"acme", "globex", "initech"} {
			require.NoError(t, s.CreateOrganization(ctx, testOrg(fmt.Sprintf("org-%d", i), slug)))
			require.NoError(t, s.AddMembership(ctx, &Membership{
				OrganizationID: fmt.Sprintf("org-%d", i),
				UserID:         "u1",
				Role:           RoleMember,
				CreatedAt:      time.Now(),
			}))
		}

		list, err := s.ListMembershipsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, m := range list {
			assert.Equal(t, fmt.Sprintf("org-%d", i), m.OrganizationID, "insertion order must be preserved")
		}
	})
}

func TestMemoryStorage_RemoveMembershipLastOwner(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateUser(ctx, testUser("u1", "ada@example.com")))
		require.NoError(t, s.CreateUser(ctx, testUser("u2", "bob@example.com")))
		require.NoError(t, s.CreateOrganization(ctx, testOrg("org-1", "acme")))

		require.NoError(t, s.AddMembership(ctx, &Membership{OrganizationID: "org-1", UserID: "u1", Role: RoleOwner}))

		err := s.RemoveMembership(ctx, "org-1", "u1")
		assert.ErrorIs(t, err, ErrLastOwner)

		require.NoError(t, s.AddMembership(ctx, &Membership{OrganizationID: "org-1", UserID: "u2", Role: RoleOwner}))
		require.NoError(t, s.RemoveMembership(ctx, "org-1", "u1"))
	})
}

func TestMemoryStorage_SetActiveOrganization(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateUser(ctx, testUser("u1", "ada@example.com")))
		require.NoError(t, s.CreateOrganization(ctx, testOrg("org-1", "acme")))
		require.NoError(t, s.CreateOrganization(ctx, testOrg("org-2", "globex")))
		require.NoError(t, s.AddMembership(ctx, &Membership{OrganizationID: "org-1", UserID: "u1", Role: RoleMember}))

		session := &LoginSession{
			ID:        "sess-1",
			UserID:    "u1",
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, s.CreateLoginSession(ctx, session))

		require.NoError(t, s.SetActiveOrganization(ctx, "sess-1", "org-1"))
		got, err := s.GetLoginSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "org-1", got.ActiveOrganizationID)

		// Switching to a non-member organization must fail and leave the
		// previous hint in place.
		err = s.SetActiveOrganization(ctx, "sess-1", "org-2")
		assert.ErrorIs(t, err, ErrNotAMember)
		got, err = s.GetLoginSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "org-1", got.ActiveOrganizationID)

		// Empty orgID clears the hint.
		require.NoError(t, s.SetActiveOrganization(ctx, "sess-1", ""))
		got, err = s.GetLoginSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Empty(t, got.ActiveOrganizationID)
	})
}

func TestMemoryStorage_RemoveMembershipClearsActiveOrg(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateUser(ctx, testUser("u1", "ada@example.com")))
		require.NoError(t, s.CreateUser(ctx, testUser("u2", "bob@example.com")))
		require.NoError(t, s.CreateOrganization(ctx, testOrg("org-1", "acme")))
		require.NoError(t, s.AddMembership(ctx, &Membership{OrganizationID: "org-1", UserID: "u1", Role: RoleMember}))
		require.NoError(t, s.AddMembership(ctx, &Membership{OrganizationID: "org-1", UserID: "u2", Role: RoleOwner}))

		require.NoError(t, s.CreateLoginSession(ctx, &LoginSession{
			ID: "sess-1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour),
		}))
		require.NoError(t, s.SetActiveOrganization(ctx, "sess-1", "org-1"))

		require.NoError(t, s.RemoveMembership(ctx, "org-1", "u1"))

		got, err := s.GetLoginSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Empty(t, got.ActiveOrganizationID)
	})
}

func TestMemoryStorage_LoginSessionExpiry(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateLoginSession(ctx, &LoginSession{
			ID:        "sess-old",
			UserID:    "u1",
			ExpiresAt: time.Now().Add(-time.Minute),
		}))

		_, err := s.GetLoginSession(ctx, "sess-old")
		requireNotFoundError(t, err)

		// Deleting an expired or missing session is still fine.
		require.NoError(t, s.DeleteLoginSession(ctx, "sess-old"))
		require.NoError(t, s.DeleteLoginSession(ctx, "never-existed"))
	})
}

// --- Device Storage Tests ---

func testDeviceAuth(deviceCode, userCode string) *DeviceAuthorization {
	return &DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   "cli",
		Scopes:     []string{"openid"},
		Status:     DeviceStatusPending,
		Interval:   5 * time.Second,
		ExpiresAt:  time.Now().Add(15 * time.Minute),
		CreatedAt:  time.Now(),
	}
}

func TestMemoryStorage_DeviceAuthorizationLookup(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		da := testDeviceAuth("dev-1", "BCDF-GHJK")
		require.NoError(t, s.CreateDeviceAuthorization(ctx, da))

		got, err := s.GetDeviceAuthorization(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, DeviceStatusPending, got.Status)

		got, err = s.GetDeviceAuthorizationByUserCode(ctx, "BCDF-GHJK")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", got.DeviceCode)

		err = s.CreateDeviceAuthorization(ctx, testDeviceAuth("dev-2", "BCDF-GHJK"))
		assert.ErrorIs(t, err, ErrConflict, "user code collision must be rejected")
	})
}

func TestMemoryStorage_ExpiredDeviceAuthRetained(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		da := testDeviceAuth("dev-exp", "MNPQ-RSTV")
		da.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, s.CreateDeviceAuthorization(ctx, da))

		// Cleanup keeps the record through its post-expiry grace window,
		// so a late poll reports expired_token rather than an unknown code.
		s.cleanupExpired()
		got, err := s.GetDeviceAuthorization(ctx, "dev-exp")
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Before(time.Now()))

		stale := testDeviceAuth("dev-stale", "WXZB-CDFG")
		stale.ExpiresAt = time.Now().Add(-DefaultDeviceAuthTTL - time.Minute)
		require.NoError(t, s.CreateDeviceAuthorization(ctx, stale))

		s.cleanupExpired()
		_, err = s.GetDeviceAuthorization(ctx, "dev-stale")
		requireNotFoundError(t, err)
		_, err = s.GetDeviceAuthorizationByUserCode(ctx, "WXZB-CDFG")
		requireNotFoundError(t, err)
	})
}

func TestMemoryStorage_DeviceAuthorizationCAS(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		da := testDeviceAuth("dev-1", "BCDF-GHJK")
		require.NoError(t, s.CreateDeviceAuthorization(ctx, da))

		approved := *da
		approved.Status = DeviceStatusApproved
		approved.UserID = "u1"
		require.NoError(t, s.UpdateDeviceAuthorizationCAS(ctx, &approved, DeviceStatusPending))

		// A second transition from pending loses the race.
		denied := *da
		denied.Status = DeviceStatusDenied
		err := s.UpdateDeviceAuthorizationCAS(ctx, &denied, DeviceStatusPending)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetDeviceAuthorization(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, DeviceStatusApproved, got.Status)
		assert.Equal(t, "u1", got.UserID)
	})
}

func TestMemoryStorage_DeviceAuthorizationConcurrentApproval(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		da := testDeviceAuth("dev-1", "BCDF-GHJK")
		require.NoError(t, s.CreateDeviceAuthorization(ctx, da))

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				updated := *da
				updated.Status = DeviceStatusApproved
				updated.UserID = fmt.Sprintf("user-%d", i)
				errs[i] = s.UpdateDeviceAuthorizationCAS(ctx, &updated, DeviceStatusPending)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
		assert.Equal(t, 1, winners, "exactly one transition out of pending may succeed")
	})
}

func TestMemoryStorage_TouchDeviceAuthorization(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		da := testDeviceAuth("dev-1", "BCDF-GHJK")
		require.NoError(t, s.CreateDeviceAuthorization(ctx, da))

		at := time.Now().Truncate(time.Second)
		require.NoError(t, s.TouchDeviceAuthorization(ctx, "dev-1", at))

		got, err := s.GetDeviceAuthorization(ctx, "dev-1")
		require.NoError(t, err)
		assert.WithinDuration(t, at, got.LastPolledAt, time.Second)
	})
}

// --- Key Storage Tests ---

func TestMemoryStorage_KeySetVersioning(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		_, err := s.GetKeySet(ctx)
		requireNotFoundError(t, err)

		set := &KeySet{
			Version: 1,
			Keys: []*KeyPair{{
				KID:       "key-1",
				Algorithm: "RS256",
				State:     KeyStateSigning,
				CreatedAt: time.Now(),
			}},
		}
		require.NoError(t, s.PutKeySet(ctx, set, 0))

		// Stale writer loses.
		stale := &KeySet{Version: 2, Keys: set.Keys}
		err = s.PutKeySet(ctx, stale, 0)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetKeySet(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		require.Len(t, got.Keys, 1)
		assert.Equal(t, "key-1", got.Keys[0].KID)

		require.NoError(t, s.PutKeySet(ctx, &KeySet{Version: 2, Keys: set.Keys}, 1))
	})
}

// --- Rate Limit Tests ---

func TestMemoryStorage_RateLimitWindow(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		for i := int64(1); i <= 3; i++ {
			count, err := s.IncrementRateLimit(ctx, "token:1.2.3.4", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, i, count)
		}

		// A different key gets its own counter.
		count, err := s.IncrementRateLimit(ctx, "token:5.6.7.8", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

// --- Cleanup Tests ---

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage(WithCleanupInterval(10 * time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	req := newMockRequester("req-1", testClient())
	req.session.SetExpiresAt(fosite.AccessToken, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "at-sig", req))

	require.Eventually(t, func() bool {
		return s.Stats().AccessTokens == 0
	}, time.Second, 20*time.Millisecond, "expired token should be collected")
}
