// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ory/fosite"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// rateWindow is one fixed-window rate counter.
type rateWindow struct {
	windowStart time.Time
	count       int64
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for single-instance
// deployments, development, and testing. Multi-instance deployments
// should use RedisStorage so token state, device grants, and rate
// counters are shared.
//
// # Fosite Storage Design
//
// Token maps store fosite.Requester (not just token strings) because fosite
// needs the full authorization context for validation and introspection. The
// Requester contains the Client, granted scopes, Session (with expiration
// times), and more.
//
// Maps are keyed by "signature" (cryptographic token identifier) for O(1)
// token lookup. Revocation by "request ID" requires O(n) scan; the Redis
// backend maintains a reverse index for this.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client for client lookup (fosite.ClientManager).
	clients map[string]fosite.Client

	// authCodes maps authorization code -> Requester. Codes are one-time-use;
	// invalidatedCodes tracks used codes to return ErrInvalidatedAuthorizeCode.
	authCodes map[string]*timedEntry[fosite.Requester]

	// accessTokens maps token signature -> Requester. The signature is derived
	// from the token value, enabling O(1) lookup when validating bearer tokens.
	accessTokens map[string]*timedEntry[fosite.Requester]

	// refreshTokens maps token signature -> Requester. Linked to access tokens
	// via request ID for token rotation per RFC 6749.
	refreshTokens map[string]*timedEntry[fosite.Requester]

	// pkceRequests maps code signature -> Requester containing the PKCE challenge.
	// Validated during token exchange per RFC 7636.
	pkceRequests map[string]*timedEntry[fosite.Requester]

	// invalidatedCodes tracks auth codes that have been used/invalidated.
	// Kept separate from authCodes to return the Requester with
	// ErrInvalidatedAuthorizeCode.
	invalidatedCodes map[string]*timedEntry[bool]

	// clientAssertionJWTs tracks JTIs to prevent JWT replay attacks per RFC 7523.
	clientAssertionJWTs map[string]time.Time

	// pendingAuthorizations tracks authorization requests awaiting login/consent.
	pendingAuthorizations map[string]*timedEntry[*PendingAuthorization]

	// users maps user ID -> User. Not subject to TTL cleanup; accounts persist.
	users        map[string]*User
	usersByEmail map[string]string

	// orgs maps organization ID -> Organization; orgsBySlug is a lookup index.
	orgs       map[string]*Organization
	orgsBySlug map[string]string

	// membershipsByUser preserves insertion order per user: the claims
	// resolver's default-tenant rule depends on it.
	membershipsByUser map[string][]*Membership

	// loginSessions maps session ID -> LoginSession.
	loginSessions map[string]*timedEntry[*LoginSession]

	// deviceAuths maps device_code -> DeviceAuthorization; deviceByUserCode
	// indexes the user-typed code back to the device code.
	deviceAuths      map[string]*timedEntry[*DeviceAuthorization]
	deviceByUserCode map[string]string

	// keySet is the signing key set, versioned for optimistic concurrency.
	keySet *KeySet

	// rateWindows maps counter key -> current fixed-window counter.
	rateWindows map[string]*rateWindow

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop; cleanupDone is
	// closed once it has fully stopped.
	stopCleanup chan struct{}
	cleanupDone chan struct{}

	logger *slog.Logger
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.logger = logger
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:               make(map[string]fosite.Client),
		authCodes:             make(map[string]*timedEntry[fosite.Requester]),
		accessTokens:          make(map[string]*timedEntry[fosite.Requester]),
		refreshTokens:         make(map[string]*timedEntry[fosite.Requester]),
		pkceRequests:          make(map[string]*timedEntry[fosite.Requester]),
		invalidatedCodes:      make(map[string]*timedEntry[bool]),
		clientAssertionJWTs:   make(map[string]time.Time),
		pendingAuthorizations: make(map[string]*timedEntry[*PendingAuthorization]),
		users:                 make(map[string]*User),
		usersByEmail:          make(map[string]string),
		orgs:                  make(map[string]*Organization),
		orgsBySlug:            make(map[string]string),
		membershipsByUser:     make(map[string][]*Membership),
		loginSessions:         make(map[string]*timedEntry[*LoginSession]),
		deviceAuths:           make(map[string]*timedEntry[*DeviceAuthorization]),
		deviceByUserCode:      make(map[string]string),
		rateWindows:           make(map[string]*rateWindow),
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
		logger:                slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
// This should be called when the storage is no longer needed.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries from storage.
// Uses collect-then-delete: collects expired keys under read lock, then
// deletes under write lock. This minimizes write lock hold time.
//
//nolint:gocyclo // Repetitive cleanup loops for each storage type
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()

	var expiredAuthCodes []string
	for k, v := range s.authCodes {
		if now.After(v.expiresAt) {
			expiredAuthCodes = append(expiredAuthCodes, k)
		}
	}

	var expiredInvalidatedCodes []string
	for k, v := range s.invalidatedCodes {
		if now.After(v.expiresAt) {
			expiredInvalidatedCodes = append(expiredInvalidatedCodes, k)
		}
	}

	var expiredAccessTokens []string
	for k, v := range s.accessTokens {
		if now.After(v.expiresAt) {
			expiredAccessTokens = append(expiredAccessTokens, k)
		}
	}

	var expiredRefreshTokens []string
	for k, v := range s.refreshTokens {
		if now.After(v.expiresAt) {
			expiredRefreshTokens = append(expiredRefreshTokens, k)
		}
	}

	var expiredPKCERequests []string
	for k, v := range s.pkceRequests {
		if now.After(v.expiresAt) {
			expiredPKCERequests = append(expiredPKCERequests, k)
		}
	}

	var expiredPendingAuthorizations []string
	for k, v := range s.pendingAuthorizations {
		if now.After(v.expiresAt) {
			expiredPendingAuthorizations = append(expiredPendingAuthorizations, k)
		}
	}

	var expiredLoginSessions []string
	for k, v := range s.loginSessions {
		if now.After(v.expiresAt) {
			expiredLoginSessions = append(expiredLoginSessions, k)
		}
	}

	var expiredDeviceAuths []string
	for k, v := range s.deviceAuths {
		if now.After(v.expiresAt) {
			expiredDeviceAuths = append(expiredDeviceAuths, k)
		}
	}

	var expiredJWTs []string
	for k, v := range s.clientAssertionJWTs {
		if now.After(v) {
			expiredJWTs = append(expiredJWTs, k)
		}
	}

	var staleRateWindows []string
	for k, v := range s.rateWindows {
		// A window untouched for an hour can only belong to a past window.
		if now.Sub(v.windowStart) > time.Hour {
			staleRateWindows = append(staleRateWindows, k)
		}
	}

	s.mu.RUnlock()

	if len(expiredAuthCodes) == 0 &&
		len(expiredInvalidatedCodes) == 0 &&
		len(expiredAccessTokens) == 0 &&
		len(expiredRefreshTokens) == 0 &&
		len(expiredPKCERequests) == 0 &&
		len(expiredPendingAuthorizations) == 0 &&
		len(expiredLoginSessions) == 0 &&
		len(expiredDeviceAuths) == 0 &&
		len(expiredJWTs) == 0 &&
		len(staleRateWindows) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredAuthCodes {
		delete(s.authCodes, k)
		delete(s.invalidatedCodes, k)
	}

	for _, k := range expiredInvalidatedCodes {
		delete(s.invalidatedCodes, k)
	}

	for _, k := range expiredAccessTokens {
		delete(s.accessTokens, k)
	}

	for _, k := range expiredRefreshTokens {
		delete(s.refreshTokens, k)
	}

	for _, k := range expiredPKCERequests {
		delete(s.pkceRequests, k)
	}

	for _, k := range expiredPendingAuthorizations {
		delete(s.pendingAuthorizations, k)
	}

	for _, k := range expiredLoginSessions {
		delete(s.loginSessions, k)
	}

	for _, k := range expiredDeviceAuths {
		if entry := s.deviceAuths[k]; entry != nil && entry.value != nil {
			delete(s.deviceByUserCode, entry.value.UserCode)
		}
		delete(s.deviceAuths, k)
	}

	for _, k := range expiredJWTs {
		delete(s.clientAssertionJWTs, k)
	}

	for _, k := range staleRateWindows {
		delete(s.rateWindows, k)
	}
}

// getExpirationFromRequester extracts expiration time from a fosite.Requester
// session, falling back to the provided default if it cannot be extracted.
// Different token types (AccessToken, RefreshToken, AuthorizeCode) carry
// per-type expirations on the Session, so the token type selects which one.
func getExpirationFromRequester(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Time {
	if request == nil {
		return time.Now().Add(defaultTTL)
	}

	session := request.GetSession()
	if session == nil {
		return time.Now().Add(defaultTTL)
	}

	expTime := session.GetExpiresAt(tokenType)
	if expTime.IsZero() {
		return time.Now().Add(defaultTTL)
	}

	return expTime
}

// RegisterClient adds or replaces a client in the storage. Used both for
// static client seeding at startup and for dynamic client registration.
func (s *MemoryStorage) RegisterClient(_ context.Context, client fosite.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.GetID()] = client
	return nil
}

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient loads the client by its ID or returns an error if the client does not exist.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		s.logger.Debug("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// ClientAssertionJWTValid returns an error if the JTI is known or the DB check
// failed, and nil if the JTI is not known (meaning it can be used).
func (s *MemoryStorage) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exp, ok := s.clientAssertionJWTs[jti]; ok {
		if time.Now().Before(exp) {
			return fosite.ErrJTIKnown
		}
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known for the given expiry time.
// Before inserting the new JTI, it cleans up any existing JTIs that have expired.
func (s *MemoryStorage) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range s.clientAssertionJWTs {
		if now.After(v) {
			delete(s.clientAssertionJWTs, k)
		}
	}

	s.clientAssertionJWTs[jti] = exp
	return nil
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the authorization request for a given authorization code.
func (s *MemoryStorage) CreateAuthorizeCodeSession(_ context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := getExpirationFromRequester(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)

	s.authCodes[code] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetAuthorizeCodeSession retrieves the authorization request for a given code.
// If the authorization code has been invalidated, it returns
// ErrInvalidatedAuthorizeCode along with the request (as required by fosite).
func (s *MemoryStorage) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authCodes[code]
	if !ok {
		s.logger.Debug("authorization code not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	if s.invalidatedCodes[code] != nil {
		// Must return the request along with the error per fosite documentation
		return entry.value, fosite.ErrInvalidatedAuthorizeCode
	}

	return entry.value, nil
}

// InvalidateAuthorizeCodeSession marks an authorization code as used.
// Subsequent calls to GetAuthorizeCodeSession will return ErrInvalidatedAuthorizeCode.
func (s *MemoryStorage) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; !ok {
		s.logger.Debug("authorization code not found for invalidation")
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	now := time.Now()
	s.invalidatedCodes[code] = &timedEntry[bool]{
		value:     true,
		createdAt: now,
		expiresAt: now.Add(DefaultInvalidatedCodeTTL),
	}
	return nil
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores the access token session.
func (s *MemoryStorage) CreateAccessTokenSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := getExpirationFromRequester(request, fosite.AccessToken, DefaultAccessTokenTTL)

	s.accessTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetAccessTokenSession retrieves the access token session by its signature.
//
// The session parameter is a prototype for deserialization in persistent
// backends; the in-memory implementation ignores it since it stores live
// Requester objects.
func (s *MemoryStorage) GetAccessTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.accessTokens[signature]
	if !ok {
		s.logger.Debug("access token not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return entry.value, nil
}

// DeleteAccessTokenSession removes the access token session.
func (s *MemoryStorage) DeleteAccessTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	delete(s.accessTokens, signature)
	return nil
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores the refresh token session.
// The accessSignature parameter links the refresh token to its access token.
func (s *MemoryStorage) CreateRefreshTokenSession(_ context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := getExpirationFromRequester(request, fosite.RefreshToken, DefaultRefreshTokenTTL)

	s.refreshTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetRefreshTokenSession retrieves the refresh token session by its signature.
func (s *MemoryStorage) GetRefreshTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[signature]
	if !ok {
		s.logger.Debug("refresh token not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return entry.value, nil
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *MemoryStorage) DeleteRefreshTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refreshTokens, signature)
	return nil
}

// RotateRefreshToken invalidates a refresh token and all its related token
// data. Called during token refresh to implement refresh token rotation.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, requestID string, refreshTokenSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, refreshTokenSignature)

	// Also delete any access tokens associated with this request ID.
	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}

	return nil
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken removes all access tokens issued under a request ID.
//
// Note: this takes requestID, not signature. Per RFC 7009, revoking by
// request ID enables revoking ALL tokens from the same authorization grant,
// which is why the full Requester (with its ID) is stored rather than just
// token values. The O(n) scan is acceptable for in-memory storage.
func (s *MemoryStorage) RevokeAccessToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}

	return nil
}

// RevokeRefreshToken removes all refresh tokens issued under a request ID.
func (s *MemoryStorage) RevokeRefreshToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.refreshTokens {
		if entry.value.GetID() == requestID {
			delete(s.refreshTokens, sig)
		}
	}

	return nil
}

// RevokeRefreshTokenMaybeGracePeriod revokes a refresh token, optionally
// allowing a grace period. This implementation revokes immediately.
func (s *MemoryStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the PKCE request session.
func (s *MemoryStorage) CreatePKCERequestSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := getExpirationFromRequester(request, fosite.AuthorizeCode, DefaultPKCETTL)

	s.pkceRequests[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetPKCERequestSession retrieves the PKCE request session by its signature.
func (s *MemoryStorage) GetPKCERequestSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pkceRequests[signature]
	if !ok {
		s.logger.Debug("PKCE request not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	return entry.value, nil
}

// DeletePKCERequestSession removes the PKCE request session.
func (s *MemoryStorage) DeletePKCERequestSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pkceRequests[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	delete(s.pkceRequests, signature)
	return nil
}

// -----------------------
// Pending Authorization Storage
// -----------------------

// StorePendingAuthorization stores an authorization request awaiting
// login/consent, keyed by its ID.
func (s *MemoryStorage) StorePendingAuthorization(_ context.Context, pending *PendingAuthorization) error {
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}
	if pending.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("pending authorization ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pendingAuthorizations[pending.ID] = &timedEntry[*PendingAuthorization]{
		value:     clonePendingAuthorization(pending),
		createdAt: now,
		expiresAt: now.Add(DefaultPendingAuthTTL),
	}
	return nil
}

// ConsumePendingAuthorization retrieves and deletes a pending authorization
// in one step. A second consume of the same ID returns ErrNotFound.
func (s *MemoryStorage) ConsumePendingAuthorization(_ context.Context, id string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingAuthorizations[id]
	if !ok {
		s.logger.Debug("pending authorization not found")
		return nil, fmt.Errorf("%w: pending authorization not found", ErrNotFound)
	}
	delete(s.pendingAuthorizations, id)

	if time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: pending authorization expired", ErrNotFound)
	}

	return clonePendingAuthorization(entry.value), nil
}

func clonePendingAuthorization(p *PendingAuthorization) *PendingAuthorization {
	cp := *p
	cp.Scopes = slices.Clone(p.Scopes)
	return &cp
}

// -----------------------
// TenantStorage
// -----------------------

func cloneUser(u *User) *User {
	cp := *u
	return &cp
}

// CreateUser creates a new user account.
// Returns ErrDuplicate if the ID or email is already taken.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if user == nil {
		return fosite.ErrInvalidRequest.WithHint("user cannot be nil")
	}
	if user.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user ID already exists", ErrDuplicate)
	}
	email := strings.ToLower(user.Email)
	if _, exists := s.usersByEmail[email]; exists {
		return fmt.Errorf("%w: email already registered", ErrDuplicate)
	}

	s.users[user.ID] = cloneUser(user)
	s.usersByEmail[email] = user.ID
	return nil
}

// GetUser retrieves a user by their internal ID.
func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return cloneUser(user), nil
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *MemoryStorage) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

// UpdateUser replaces a stored user record. The email index is kept in sync
// so lookups follow an address change.
func (s *MemoryStorage) UpdateUser(_ context.Context, user *User) error {
	if user == nil {
		return fosite.ErrInvalidRequest.WithHint("user cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user not found", ErrNotFound)
	}

	oldEmail := strings.ToLower(existing.Email)
	newEmail := strings.ToLower(user.Email)
	if oldEmail != newEmail {
		if _, taken := s.usersByEmail[newEmail]; taken {
			return fmt.Errorf("%w: email already registered", ErrDuplicate)
		}
		delete(s.usersByEmail, oldEmail)
		s.usersByEmail[newEmail] = user.ID
	}

	s.users[user.ID] = cloneUser(user)
	return nil
}

// CreateOrganization creates a new organization.
// Returns ErrDuplicate if the ID or slug is already taken.
func (s *MemoryStorage) CreateOrganization(_ context.Context, org *Organization) error {
	if org == nil {
		return fosite.ErrInvalidRequest.WithHint("organization cannot be nil")
	}
	if org.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("organization ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orgs[org.ID]; exists {
		return fmt.Errorf("%w: organization ID already exists", ErrDuplicate)
	}
	slug := strings.ToLower(org.Slug)
	if _, exists := s.orgsBySlug[slug]; exists {
		return fmt.Errorf("%w: slug already taken", ErrDuplicate)
	}

	cp := *org
	s.orgs[org.ID] = &cp
	s.orgsBySlug[slug] = org.ID
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *MemoryStorage) GetOrganization(_ context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, fmt.Errorf("%w: organization not found", ErrNotFound)
	}
	cp := *org
	return &cp, nil
}

// GetOrganizationBySlug retrieves an organization by slug (case-insensitive).
func (s *MemoryStorage) GetOrganizationBySlug(_ context.Context, slug string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orgsBySlug[strings.ToLower(slug)]
	if !ok {
		return nil, fmt.Errorf("%w: organization not found", ErrNotFound)
	}
	cp := *s.orgs[id]
	return &cp, nil
}

// AddMembership links a user to an organization. Adding an existing pair
// updates the role in place.
func (s *MemoryStorage) AddMembership(_ context.Context, m *Membership) error {
	if m == nil {
		return fosite.ErrInvalidRequest.WithHint("membership cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[m.UserID]; !exists {
		return fmt.Errorf("%w: user not found", ErrNotFound)
	}
	if _, exists := s.orgs[m.OrganizationID]; !exists {
		return fmt.Errorf("%w: organization not found", ErrNotFound)
	}

	for _, existing := range s.membershipsByUser[m.UserID] {
		if existing.OrganizationID == m.OrganizationID {
			existing.Role = m.Role
			return nil
		}
	}

	cp := *m
	s.membershipsByUser[m.UserID] = append(s.membershipsByUser[m.UserID], &cp)
	return nil
}

// RemoveMembership unlinks a user from an organization. Returns ErrLastOwner
// if the removal would leave the organization without an owner.
func (s *MemoryStorage) RemoveMembership(_ context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.membershipsByUser[userID]
	idx := -1
	for i, m := range list {
		if m.OrganizationID == orgID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: membership not found", ErrNotFound)
	}

	if list[idx].Role == RoleOwner && !s.orgHasAnotherOwnerLocked(orgID, userID) {
		return ErrLastOwner
	}

	s.membershipsByUser[userID] = append(list[:idx], list[idx+1:]...)

	// Clear the active organization on any login session pointing at the
	// removed membership so stale tenant hints cannot leak into claims.
	for _, entry := range s.loginSessions {
		sess := entry.value
		if sess.UserID == userID && sess.ActiveOrganizationID == orgID {
			sess.ActiveOrganizationID = ""
		}
	}
	return nil
}

func (s *MemoryStorage) orgHasAnotherOwnerLocked(orgID, excludeUserID string) bool {
	for userID, list := range s.membershipsByUser {
		if userID == excludeUserID {
			continue
		}
		for _, m := range list {
			if m.OrganizationID == orgID && m.Role == RoleOwner {
				return true
			}
		}
	}
	return false
}

// ListMembershipsByUser returns the user's memberships in insertion order.
func (s *MemoryStorage) ListMembershipsByUser(_ context.Context, userID string) ([]*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.users[userID]; !exists {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}

	list := s.membershipsByUser[userID]
	out := make([]*Membership, 0, len(list))
	for _, m := range list {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// CreateLoginSession stores a browser login session.
func (s *MemoryStorage) CreateLoginSession(_ context.Context, session *LoginSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("session cannot be nil")
	}
	if session.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultLoginSessionTTL)
	}

	cp := *session
	s.loginSessions[session.ID] = &timedEntry[*LoginSession]{
		value:     &cp,
		createdAt: time.Now(),
		expiresAt: expiresAt,
	}
	return nil
}

// GetLoginSession retrieves a login session by ID. Expired sessions read as
// not found.
func (s *MemoryStorage) GetLoginSession(_ context.Context, id string) (*LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.loginSessions[id]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: login session not found", ErrNotFound)
	}
	cp := *entry.value
	return &cp, nil
}

// DeleteLoginSession removes a login session. Deleting a missing session is
// not an error; logout must be idempotent.
func (s *MemoryStorage) DeleteLoginSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loginSessions, id)
	return nil
}

// SetActiveOrganization atomically validates membership and records the
// switch on the login session. An empty orgID clears the active organization.
func (s *MemoryStorage) SetActiveOrganization(_ context.Context, sessionID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.loginSessions[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return fmt.Errorf("%w: login session not found", ErrNotFound)
	}
	sess := entry.value

	if orgID == "" {
		sess.ActiveOrganizationID = ""
		return nil
	}

	for _, m := range s.membershipsByUser[sess.UserID] {
		if m.OrganizationID == orgID {
			sess.ActiveOrganizationID = orgID
			return nil
		}
	}
	return ErrNotAMember
}

// -----------------------
// DeviceStorage
// -----------------------

func cloneDeviceAuthorization(da *DeviceAuthorization) *DeviceAuthorization {
	cp := *da
	cp.Scopes = slices.Clone(da.Scopes)
	if da.TokenResponse != nil {
		cp.TokenResponse = make(map[string]any, len(da.TokenResponse))
		for k, v := range da.TokenResponse {
			cp.TokenResponse[k] = v
		}
	}
	return &cp
}

// CreateDeviceAuthorization stores a new device authorization.
// Returns ErrConflict on a device-code or user-code collision.
func (s *MemoryStorage) CreateDeviceAuthorization(_ context.Context, da *DeviceAuthorization) error {
	if da == nil {
		return fosite.ErrInvalidRequest.WithHint("device authorization cannot be nil")
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return fosite.ErrInvalidRequest.WithHint("device code and user code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deviceAuths[da.DeviceCode]; exists {
		return fmt.Errorf("%w: device code already exists", ErrConflict)
	}
	if _, exists := s.deviceByUserCode[da.UserCode]; exists {
		return fmt.Errorf("%w: user code already exists", ErrConflict)
	}

	// Records persist for a grace window past their expiry so a late
	// poll reports expired_token rather than an unknown code.
	s.deviceAuths[da.DeviceCode] = &timedEntry[*DeviceAuthorization]{
		value:     cloneDeviceAuthorization(da),
		createdAt: time.Now(),
		expiresAt: da.ExpiresAt.Add(DefaultDeviceAuthTTL),
	}
	s.deviceByUserCode[da.UserCode] = da.DeviceCode
	return nil
}

// GetDeviceAuthorization retrieves a device authorization by device code.
// Expired records are still returned; the device service decides how to
// report expiry to the client.
func (s *MemoryStorage) GetDeviceAuthorization(_ context.Context, deviceCode string) (*DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	return cloneDeviceAuthorization(entry.value), nil
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by the
// user-typed code.
func (s *MemoryStorage) GetDeviceAuthorizationByUserCode(_ context.Context, userCode string) (*DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deviceCode, ok := s.deviceByUserCode[userCode]
	if !ok {
		return nil, fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	entry, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	return cloneDeviceAuthorization(entry.value), nil
}

// UpdateDeviceAuthorizationCAS writes da only if the stored record is still
// in expectStatus; otherwise it returns ErrConflict. This keeps approve/deny
// and first-token-delivery exactly-once under concurrent polls.
func (s *MemoryStorage) UpdateDeviceAuthorizationCAS(_ context.Context, da *DeviceAuthorization, expectStatus DeviceStatus) error {
	if da == nil {
		return fosite.ErrInvalidRequest.WithHint("device authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceAuths[da.DeviceCode]
	if !ok {
		return fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	if entry.value.Status != expectStatus {
		return fmt.Errorf("%w: device authorization is %s, expected %s", ErrConflict, entry.value.Status, expectStatus)
	}

	entry.value = cloneDeviceAuthorization(da)
	return nil
}

// TouchDeviceAuthorization records a poll timestamp.
func (s *MemoryStorage) TouchDeviceAuthorization(_ context.Context, deviceCode string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceAuths[deviceCode]
	if !ok {
		return fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	entry.value.LastPolledAt = at
	return nil
}

// -----------------------
// KeyStorage
// -----------------------

func cloneKeySet(set *KeySet) *KeySet {
	cp := &KeySet{Version: set.Version, Keys: make([]*KeyPair, 0, len(set.Keys))}
	for _, k := range set.Keys {
		kc := *k
		kc.PublicKeyPEM = slices.Clone(k.PublicKeyPEM)
		kc.EncryptedPrivateKey = slices.Clone(k.EncryptedPrivateKey)
		cp.Keys = append(cp.Keys, &kc)
	}
	return cp
}

// GetKeySet returns the stored signing key set.
func (s *MemoryStorage) GetKeySet(_ context.Context) (*KeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keySet == nil {
		return nil, fmt.Errorf("%w: key set not initialized", ErrNotFound)
	}
	return cloneKeySet(s.keySet), nil
}

// PutKeySet writes the key set if the stored version still equals
// expectVersion (0 for first write); otherwise it returns ErrConflict.
// The set is written as one unit so rotation is atomic.
func (s *MemoryStorage) PutKeySet(_ context.Context, set *KeySet, expectVersion int64) error {
	if set == nil {
		return fosite.ErrInvalidRequest.WithHint("key set cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if s.keySet != nil {
		current = s.keySet.Version
	}
	if current != expectVersion {
		return fmt.Errorf("%w: key set version is %d, expected %d", ErrConflict, current, expectVersion)
	}

	s.keySet = cloneKeySet(set)
	return nil
}

// -----------------------
// RateLimitStorage
// -----------------------

// IncrementRateLimit bumps the fixed-window counter for key and returns the
// post-increment count. The window is identified by truncating the current
// time to the window duration, so all instances agree on window boundaries.
func (s *MemoryStorage) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fosite.ErrInvalidRequest.WithHint("window must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	windowStart := time.Now().Truncate(window)
	w, ok := s.rateWindows[key]
	if !ok || !w.windowStart.Equal(windowStart) {
		w = &rateWindow{windowStart: windowStart}
		s.rateWindows[key] = w
	}
	w.count++
	return w.count, nil
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the storage contents.
type Stats struct {
	Clients               int
	AuthCodes             int
	AccessTokens          int
	RefreshTokens         int
	PKCERequests          int
	PendingAuthorizations int
	InvalidatedCodes      int
	ClientAssertionJWTs   int
	Users                 int
	Organizations         int
	LoginSessions         int
	DeviceAuthorizations  int
}

// Stats returns current statistics about storage contents.
// This is useful for testing and monitoring.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:               len(s.clients),
		AuthCodes:             len(s.authCodes),
		AccessTokens:          len(s.accessTokens),
		RefreshTokens:         len(s.refreshTokens),
		PKCERequests:          len(s.pkceRequests),
		PendingAuthorizations: len(s.pendingAuthorizations),
		InvalidatedCodes:      len(s.invalidatedCodes),
		ClientAssertionJWTs:   len(s.clientAssertionJWTs),
		Users:                 len(s.users),
		Organizations:         len(s.orgs),
		LoginSessions:         len(s.loginSessions),
		DeviceAuthorizations:  len(s.deviceAuths),
	}
}

// Compile-time interface compliance checks
var (
	_ Storage          = (*MemoryStorage)(nil)
	_ TenantStorage    = (*MemoryStorage)(nil)
	_ DeviceStorage    = (*MemoryStorage)(nil)
	_ KeyStorage       = (*MemoryStorage)(nil)
	_ RateLimitStorage = (*MemoryStorage)(nil)
)
