// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/token/jwt"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultDynamicClientTTL bounds the lifetime of dynamically registered
// public clients so abandoned registrations do not accumulate forever.
const DefaultDynamicClientTTL = 90 * 24 * time.Hour

// Key type segments used to namespace Redis keys.
const (
	keyTypeClient       = "client"
	keyTypeAuthCode     = "code"
	keyTypeInvalidated  = "invalidated"
	keyTypeAccess       = "access"
	keyTypeRefresh      = "refresh"
	keyTypePKCE         = "pkce"
	keyTypeJWT          = "jti"
	keyTypePending      = "pending"
	keyTypeUser         = "user"
	keyTypeUserEmail    = "user:email"
	keyTypeOrg          = "org"
	keyTypeOrgSlug      = "org:slug"
	keyTypeMemberships  = "memberships"
	keyTypeLoginSession = "loginsession"
	keyTypeDevice       = "device"
	keyTypeUserCode     = "usercode"
	keyTypeKeySet       = "keyset"
	keyTypeRateLimit    = "ratelimit"
	keyTypeReqIDAccess  = "reqid:access"
	keyTypeReqIDRefresh = "reqid:refresh"
)

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

func redisSetKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists server addresses. A single address connects to a
	// standalone server; with MasterName set the addresses are treated
	// as Sentinels; more than one address without MasterName selects
	// cluster mode (redis.UniversalClient semantics).
	Addrs []string

	// MasterName enables Sentinel failover mode.
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix for multi-tenancy: "tasklane:identity:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements the Storage interface on Redis. It provides
// distributed storage for OAuth2 tokens, authorization codes, tenant
// records, device grants, the signing key set, and rate-limit counters,
// enabling horizontal scaling.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// storedSession is a serializable wrapper for fosite.Requester.
// This allows storing fosite sessions in Redis as JSON.
type storedSession struct {
	ClientID          string              `json:"client_id"`
	RequestedAt       time.Time           `json:"requested_at"`
	RequestedScopes   []string            `json:"requested_scopes"`
	GrantedScopes     []string            `json:"granted_scopes"`
	RequestedAudience []string            `json:"requested_audience"`
	GrantedAudience   []string            `json:"granted_audience"`
	Form              map[string][]string `json:"form"`
	RequestID         string              `json:"request_id"`
	Subject           string              `json:"subject"`
	LoginSessionID    string              `json:"login_session_id,omitempty"`
	Extra             map[string]any      `json:"extra,omitempty"`
	ExpiresAt         map[string]int64    `json:"expires_at"`
}

// NewRedisStorage creates Redis-backed storage. Returns an error if
// configuration validation fails or the connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// -----------------------
// Client storage
// -----------------------

// storedClient is a serializable wrapper for OAuth clients.
type storedClient struct {
	ID            string   `json:"id"`
	Secret        []byte   `json:"secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	Audience      []string `json:"audience"`
	Public        bool     `json:"public"`
	Trusted       bool     `json:"trusted,omitempty"`
	Name          string   `json:"name,omitempty"`
}

// RegisterClient adds or updates a client in the storage.
func (s *RedisStorage) RegisterClient(ctx context.Context, client fosite.Client) error {
	key := redisKey(s.keyPrefix, keyTypeClient, client.GetID())

	stored := storedClient{
		ID:            client.GetID(),
		Secret:        client.GetHashedSecret(),
		RedirectURIs:  client.GetRedirectURIs(),
		GrantTypes:    client.GetGrantTypes(),
		ResponseTypes: client.GetResponseTypes(),
		Scopes:        client.GetScopes(),
		Audience:      client.GetAudience(),
		Public:        client.IsPublic(),
	}
	if tc, ok := client.(*Client); ok {
		stored.Trusted = tc.Trusted
		stored.Name = tc.Name
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	// Public clients (from dynamic registration) expire to prevent
	// unbounded growth. Confidential clients don't expire.
	ttl := time.Duration(0)
	if client.IsPublic() {
		ttl = DefaultDynamicClientTTL
	}

	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetClient loads the client by its ID.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	key := redisKey(s.keyPrefix, keyTypeClient, id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &Client{
		DefaultClient: &fosite.DefaultClient{
			ID:            stored.ID,
			Secret:        stored.Secret,
			RedirectURIs:  stored.RedirectURIs,
			GrantTypes:    stored.GrantTypes,
			ResponseTypes: stored.ResponseTypes,
			Scopes:        stored.Scopes,
			Audience:      stored.Audience,
			Public:        stored.Public,
		},
		Trusted: stored.Trusted,
		Name:    stored.Name,
	}, nil
}

// ClientAssertionJWTValid returns an error if the JTI is known.
func (s *RedisStorage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	key := redisKey(s.keyPrefix, keyTypeJWT, jti)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check JWT: %w", err)
	}
	if exists > 0 {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known for the given expiry time.
func (s *RedisStorage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	key := redisKey(s.keyPrefix, keyTypeJWT, jti)

	ttl := time.Until(exp)
	if ttl <= 0 {
		// Already expired, don't store
		return nil
	}

	return s.client.Set(ctx, key, "1", ttl).Err()
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the authorization request for a given authorization code.
func (s *RedisStorage) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	key := redisKey(s.keyPrefix, keyTypeAuthCode, code)
	ttl := getTTLFromRequester(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetAuthorizeCodeSession retrieves the authorization request for a given code.
func (s *RedisStorage) GetAuthorizeCodeSession(ctx context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	// Check if invalidated first
	invalidatedKey := redisKey(s.keyPrefix, keyTypeInvalidated, code)
	invalidated, err := s.client.Exists(ctx, invalidatedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check invalidation status: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeAuthCode, code)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	request, err := unmarshalRequester(ctx, data, s)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if invalidated > 0 {
		// Must return the request along with the error per fosite documentation
		return request, fosite.ErrInvalidatedAuthorizeCode
	}

	return request, nil
}

// InvalidateAuthorizeCodeSession marks an authorization code as used.
func (s *RedisStorage) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	key := redisKey(s.keyPrefix, keyTypeAuthCode, code)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check authorization code: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	invalidatedKey := redisKey(s.keyPrefix, keyTypeInvalidated, code)
	return s.client.Set(ctx, invalidatedKey, "1", DefaultInvalidatedCodeTTL).Err()
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores the access token session.
func (s *RedisStorage) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	key := redisKey(s.keyPrefix, keyTypeAccess, signature)
	ttl := getTTLFromRequester(request, fosite.AccessToken, DefaultAccessTokenTTL)

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}

	// Secondary index for request ID -> signature mapping, used for
	// revocation by grant. The index carries the token TTL so orphaned
	// indexes expire alongside their tokens. If index operations fail,
	// delete the token to prevent orphans.
	reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDAccess, request.GetID())
	if err := s.client.SAdd(ctx, reqIDKey, signature).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	if err := s.client.Expire(ctx, reqIDKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, reqIDKey, signature).Err()
		return err
	}

	return nil
}

// GetAccessTokenSession retrieves the access token session by its signature.
func (s *RedisStorage) GetAccessTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	key := redisKey(s.keyPrefix, keyTypeAccess, signature)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return unmarshalRequester(ctx, data, s)
}

// DeleteAccessTokenSession removes the access token session.
func (s *RedisStorage) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	key := redisKey(s.keyPrefix, keyTypeAccess, signature)

	// Get the request first to find the request ID for cleaning up the index
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return fmt.Errorf("failed to get access token: %w", err)
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	// Clean up the secondary index, best effort
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err == nil && stored.RequestID != "" {
		reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDAccess, stored.RequestID)
		_ = s.client.SRem(ctx, reqIDKey, signature).Err()
	}

	return nil
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores the refresh token session.
func (s *RedisStorage) CreateRefreshTokenSession(
	ctx context.Context, signature string, _ string, request fosite.Requester,
) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	key := redisKey(s.keyPrefix, keyTypeRefresh, signature)
	ttl := getTTLFromRequester(request, fosite.RefreshToken, DefaultRefreshTokenTTL)

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}

	reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDRefresh, request.GetID())
	if err := s.client.SAdd(ctx, reqIDKey, signature).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	if err := s.client.Expire(ctx, reqIDKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, reqIDKey, signature).Err()
		return err
	}

	return nil
}

// GetRefreshTokenSession retrieves the refresh token session by its signature.
func (s *RedisStorage) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	key := redisKey(s.keyPrefix, keyTypeRefresh, signature)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	return unmarshalRequester(ctx, data, s)
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *RedisStorage) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	key := redisKey(s.keyPrefix, keyTypeRefresh, signature)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return fmt.Errorf("failed to get refresh token: %w", err)
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err == nil && stored.RequestID != "" {
		reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDRefresh, stored.RequestID)
		_ = s.client.SRem(ctx, reqIDKey, signature).Err()
	}

	return nil
}

// RotateRefreshToken invalidates a refresh token and all its related token data.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	refreshKey := redisKey(s.keyPrefix, keyTypeRefresh, refreshTokenSignature)
	_ = s.client.Del(ctx, refreshKey).Err()

	reqIDRefreshKey := redisSetKey(s.keyPrefix, keyTypeReqIDRefresh, requestID)
	_ = s.client.SRem(ctx, reqIDRefreshKey, refreshTokenSignature).Err()

	// Delete all access tokens associated with this request ID
	reqIDAccessKey := redisSetKey(s.keyPrefix, keyTypeReqIDAccess, requestID)
	signatures, err := s.client.SMembers(ctx, reqIDAccessKey).Result()
	if err == nil {
		for _, sig := range signatures {
			accessKey := redisKey(s.keyPrefix, keyTypeAccess, sig)
			_ = s.client.Del(ctx, accessKey).Err()
		}
		_ = s.client.Del(ctx, reqIDAccessKey).Err()
	}

	return nil
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken marks an access token as revoked by request ID.
func (s *RedisStorage) RevokeAccessToken(ctx context.Context, requestID string) error {
	reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDAccess, requestID)
	signatures, err := s.client.SMembers(ctx, reqIDKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to get access token signatures: %w", err)
	}

	for _, sig := range signatures {
		accessKey := redisKey(s.keyPrefix, keyTypeAccess, sig)
		_ = s.client.Del(ctx, accessKey).Err()
	}

	_ = s.client.Del(ctx, reqIDKey).Err()

	return nil
}

// RevokeRefreshToken marks a refresh token as revoked by request ID.
func (s *RedisStorage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	reqIDKey := redisSetKey(s.keyPrefix, keyTypeReqIDRefresh, requestID)
	signatures, err := s.client.SMembers(ctx, reqIDKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to get refresh token signatures: %w", err)
	}

	for _, sig := range signatures {
		refreshKey := redisKey(s.keyPrefix, keyTypeRefresh, sig)
		_ = s.client.Del(ctx, refreshKey).Err()
	}

	_ = s.client.Del(ctx, reqIDKey).Err()

	return nil
}

// RevokeRefreshTokenMaybeGracePeriod marks a refresh token as revoked,
// optionally allowing a grace period. This implementation revokes immediately.
func (s *RedisStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the PKCE request session.
func (s *RedisStorage) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	key := redisKey(s.keyPrefix, keyTypePKCE, signature)
	ttl := getTTLFromRequester(request, fosite.AuthorizeCode, DefaultPKCETTL)

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetPKCERequestSession retrieves the PKCE request session by its signature.
func (s *RedisStorage) GetPKCERequestSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	key := redisKey(s.keyPrefix, keyTypePKCE, signature)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
		}
		return nil, fmt.Errorf("failed to get PKCE request: %w", err)
	}

	return unmarshalRequester(ctx, data, s)
}

// DeletePKCERequestSession removes the PKCE request session.
func (s *RedisStorage) DeletePKCERequestSession(ctx context.Context, signature string) error {
	key := redisKey(s.keyPrefix, keyTypePKCE, signature)

	result, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete PKCE request: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}

	return nil
}

// -----------------------
// Pending Authorization Storage
// -----------------------

// StorePendingAuthorization stores an authorization request awaiting
// login/consent, keyed by its ID.
func (s *RedisStorage) StorePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}
	if pending.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("pending authorization ID cannot be empty")
	}

	key := redisKey(s.keyPrefix, keyTypePending, pending.ID)

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	return s.client.Set(ctx, key, data, DefaultPendingAuthTTL).Err()
}

// ConsumePendingAuthorization retrieves and deletes a pending authorization
// in one step using GETDEL, so a code can only be minted once per request.
func (s *RedisStorage) ConsumePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	key := redisKey(s.keyPrefix, keyTypePending, id)

	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: pending authorization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &pending, nil
}

// -----------------------
// TenantStorage
// -----------------------

// CreateUser creates a new user account. The email index is claimed first
// with SetNX so concurrent signups for the same address cannot both win.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil {
		return fosite.ErrInvalidRequest.WithHint("user cannot be nil")
	}
	if user.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("user ID cannot be empty")
	}

	emailKey := redisKey(s.keyPrefix, keyTypeUserEmail, strings.ToLower(user.Email))
	claimed, err := s.client.SetNX(ctx, emailKey, user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: email already registered", ErrDuplicate)
	}

	data, err := json.Marshal(storedUserFrom(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeUser, user.ID)
	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		_ = s.client.Del(ctx, emailKey).Err()
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		_ = s.client.Del(ctx, emailKey).Err()
		return fmt.Errorf("%w: user ID already exists", ErrDuplicate)
	}

	return nil
}

// storedUser is a serializable wrapper for User. The password hash travels
// with the record; the json:"-" tags on User keep it out of API responses,
// not out of storage.
type storedUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Role          string `json:"role,omitempty"`
	PasswordHash  string `json:"password_hash,omitempty"`
	HashScheme    string `json:"hash_scheme,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

func storedUserFrom(u *User) storedUser {
	return storedUser{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
		GivenName:     u.GivenName,
		Locale:        u.Locale,
		Role:          u.Role,
		PasswordHash:  u.PasswordHash,
		HashScheme:    string(u.HashScheme),
		CreatedAt:     u.CreatedAt.Unix(),
		UpdatedAt:     u.UpdatedAt.Unix(),
	}
}

func (su storedUser) toUser() *User {
	return &User{
		ID:            su.ID,
		Email:         su.Email,
		EmailVerified: su.EmailVerified,
		Name:          su.Name,
		GivenName:     su.GivenName,
		Locale:        su.Locale,
		Role:          su.Role,
		PasswordHash:  su.PasswordHash,
		HashScheme:    HashScheme(su.HashScheme),
		CreatedAt:     time.Unix(su.CreatedAt, 0),
		UpdatedAt:     time.Unix(su.UpdatedAt, 0),
	}
}

// GetUser retrieves a user by their internal ID.
func (s *RedisStorage) GetUser(ctx context.Context, id string) (*User, error) {
	key := redisKey(s.keyPrefix, keyTypeUser, id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return stored.toUser(), nil
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *RedisStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	emailKey := redisKey(s.keyPrefix, keyTypeUserEmail, strings.ToLower(email))

	id, err := s.client.Get(ctx, emailKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}

	return s.GetUser(ctx, id)
}

// UpdateUser replaces a stored user record, keeping the email index in sync.
func (s *RedisStorage) UpdateUser(ctx context.Context, user *User) error {
	if user == nil {
		return fosite.ErrInvalidRequest.WithHint("user cannot be nil")
	}

	existing, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}

	oldEmail := strings.ToLower(existing.Email)
	newEmail := strings.ToLower(user.Email)
	if oldEmail != newEmail {
		newEmailKey := redisKey(s.keyPrefix, keyTypeUserEmail, newEmail)
		claimed, err := s.client.SetNX(ctx, newEmailKey, user.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to claim email: %w", err)
		}
		if !claimed {
			return fmt.Errorf("%w: email already registered", ErrDuplicate)
		}
		_ = s.client.Del(ctx, redisKey(s.keyPrefix, keyTypeUserEmail, oldEmail)).Err()
	}

	data, err := json.Marshal(storedUserFrom(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeUser, user.ID)
	return s.client.Set(ctx, key, data, 0).Err()
}

// storedOrganization is a serializable wrapper for Organization.
type storedOrganization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedAt int64  `json:"created_at"`
}

// CreateOrganization creates a new organization.
func (s *RedisStorage) CreateOrganization(ctx context.Context, org *Organization) error {
	if org == nil {
		return fosite.ErrInvalidRequest.WithHint("organization cannot be nil")
	}
	if org.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("organization ID cannot be empty")
	}

	slugKey := redisKey(s.keyPrefix, keyTypeOrgSlug, strings.ToLower(org.Slug))
	claimed, err := s.client.SetNX(ctx, slugKey, org.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim slug: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: slug already taken", ErrDuplicate)
	}

	stored := storedOrganization{
		ID:        org.ID,
		Name:      org.Name,
		Slug:      org.Slug,
		CreatedAt: org.CreatedAt.Unix(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal organization: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeOrg, org.ID)
	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		_ = s.client.Del(ctx, slugKey).Err()
		return fmt.Errorf("failed to create organization: %w", err)
	}
	if !created {
		_ = s.client.Del(ctx, slugKey).Err()
		return fmt.Errorf("%w: organization ID already exists", ErrDuplicate)
	}

	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *RedisStorage) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	key := redisKey(s.keyPrefix, keyTypeOrg, id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: organization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	var stored storedOrganization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal organization: %w", err)
	}

	return &Organization{
		ID:        stored.ID,
		Name:      stored.Name,
		Slug:      stored.Slug,
		CreatedAt: time.Unix(stored.CreatedAt, 0),
	}, nil
}

// GetOrganizationBySlug retrieves an organization by slug (case-insensitive).
func (s *RedisStorage) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	slugKey := redisKey(s.keyPrefix, keyTypeOrgSlug, strings.ToLower(slug))

	id, err := s.client.Get(ctx, slugKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: organization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve slug: %w", err)
	}

	return s.GetOrganization(ctx, id)
}

// storedMembership is a serializable wrapper for Membership.
type storedMembership struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	CreatedAt      int64  `json:"created_at"`
}

// membershipsKey returns the key holding a user's ordered membership list.
// The whole list is stored as one JSON array so insertion order survives
// round trips; claims resolution depends on that order.
func (s *RedisStorage) membershipsKey(userID string) string {
	return redisKey(s.keyPrefix, keyTypeMemberships, userID)
}

func (s *RedisStorage) loadMemberships(ctx context.Context, tx redis.Cmdable, userID string) ([]storedMembership, error) {
	data, err := tx.Get(ctx, s.membershipsKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get memberships: %w", err)
	}
	var list []storedMembership
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memberships: %w", err)
	}
	return list, nil
}

// AddMembership links a user to an organization. The list is rewritten under
// WATCH so concurrent membership changes for the same user serialize.
func (s *RedisStorage) AddMembership(ctx context.Context, m *Membership) error {
	if m == nil {
		return fosite.ErrInvalidRequest.WithHint("membership cannot be nil")
	}

	if _, err := s.GetUser(ctx, m.UserID); err != nil {
		return err
	}
	if _, err := s.GetOrganization(ctx, m.OrganizationID); err != nil {
		return err
	}

	key := s.membershipsKey(m.UserID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		list, err := s.loadMemberships(ctx, tx, m.UserID)
		if err != nil {
			return err
		}

		updated := false
		for i := range list {
			if list[i].OrganizationID == m.OrganizationID {
				list[i].Role = string(m.Role)
				updated = true
				break
			}
		}
		if !updated {
			list = append(list, storedMembership{
				OrganizationID: m.OrganizationID,
				UserID:         m.UserID,
				Role:           string(m.Role),
				CreatedAt:      m.CreatedAt.Unix(),
			})
		}

		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("failed to marshal memberships: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// RemoveMembership unlinks a user from an organization.
//
// The last-owner check only inspects this user's role; enumerating every
// owner of an organization would require a per-org reverse index, so the
// rule is enforced by the tenancy service which tracks owner counts.
func (s *RedisStorage) RemoveMembership(ctx context.Context, orgID, userID string) error {
	key := s.membershipsKey(userID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		list, err := s.loadMemberships(ctx, tx, userID)
		if err != nil {
			return err
		}

		idx := -1
		for i := range list {
			if list[i].OrganizationID == orgID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("%w: membership not found", ErrNotFound)
		}

		list = append(list[:idx], list[idx+1:]...)
		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("failed to marshal memberships: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	// The claims resolver revalidates membership on every resolution, so a
	// login session still pointing at the removed organization cannot leak
	// it into new tokens.
	return err
}

// ListMembershipsByUser returns the user's memberships in insertion order.
func (s *RedisStorage) ListMembershipsByUser(ctx context.Context, userID string) ([]*Membership, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	list, err := s.loadMemberships(ctx, s.client, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*Membership, 0, len(list))
	for _, m := range list {
		out = append(out, &Membership{
			OrganizationID: m.OrganizationID,
			UserID:         m.UserID,
			Role:           MembershipRole(m.Role),
			CreatedAt:      time.Unix(m.CreatedAt, 0),
		})
	}
	return out, nil
}

// storedLoginSession is a serializable wrapper for LoginSession.
type storedLoginSession struct {
	ID                   string `json:"id"`
	UserID               string `json:"user_id"`
	ActiveOrganizationID string `json:"active_organization_id,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

// CreateLoginSession stores a browser login session with a TTL.
func (s *RedisStorage) CreateLoginSession(ctx context.Context, session *LoginSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("session cannot be nil")
	}
	if session.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("session ID cannot be empty")
	}

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultLoginSessionTTL)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fosite.ErrInvalidRequest.WithHint("session already expired")
	}

	stored := storedLoginSession{
		ID:                   session.ID,
		UserID:               session.UserID,
		ActiveOrganizationID: session.ActiveOrganizationID,
		CreatedAt:            session.CreatedAt.Unix(),
		ExpiresAt:            expiresAt.Unix(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal login session: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeLoginSession, session.ID)
	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetLoginSession retrieves a login session by ID.
func (s *RedisStorage) GetLoginSession(ctx context.Context, id string) (*LoginSession, error) {
	key := redisKey(s.keyPrefix, keyTypeLoginSession, id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: login session not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get login session: %w", err)
	}

	var stored storedLoginSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login session: %w", err)
	}

	return &LoginSession{
		ID:                   stored.ID,
		UserID:               stored.UserID,
		ActiveOrganizationID: stored.ActiveOrganizationID,
		CreatedAt:            time.Unix(stored.CreatedAt, 0),
		ExpiresAt:            time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// DeleteLoginSession removes a login session. Idempotent.
func (s *RedisStorage) DeleteLoginSession(ctx context.Context, id string) error {
	key := redisKey(s.keyPrefix, keyTypeLoginSession, id)
	return s.client.Del(ctx, key).Err()
}

// SetActiveOrganization validates membership and records the switch on the
// login session. The session key is rewritten under WATCH so a concurrent
// logout or switch cannot be silently overwritten.
func (s *RedisStorage) SetActiveOrganization(ctx context.Context, sessionID, orgID string) error {
	key := redisKey(s.keyPrefix, keyTypeLoginSession, sessionID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: login session not found", ErrNotFound)
			}
			return fmt.Errorf("failed to get login session: %w", err)
		}

		var stored storedLoginSession
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal login session: %w", err)
		}

		if orgID != "" {
			list, err := s.loadMemberships(ctx, tx, stored.UserID)
			if err != nil {
				return err
			}
			member := false
			for _, m := range list {
				if m.OrganizationID == orgID {
					member = true
					break
				}
			}
			if !member {
				return ErrNotAMember
			}
		}

		stored.ActiveOrganizationID = orgID
		updated, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal login session: %w", err)
		}

		ttl := time.Until(time.Unix(stored.ExpiresAt, 0))
		if ttl <= 0 {
			return fmt.Errorf("%w: login session not found", ErrNotFound)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		return err
	}, key)
}

// -----------------------
// DeviceStorage
// -----------------------

// storedDeviceAuthorization is a serializable wrapper for DeviceAuthorization.
type storedDeviceAuthorization struct {
	DeviceCode    string         `json:"device_code"`
	UserCode      string         `json:"user_code"`
	ClientID      string         `json:"client_id"`
	Scopes        []string       `json:"scopes"`
	Status        string         `json:"status"`
	UserID        string         `json:"user_id,omitempty"`
	IntervalSec   int64          `json:"interval_sec"`
	ExpiresAt     int64          `json:"expires_at"`
	LastPolledAt  int64          `json:"last_polled_at,omitempty"`
	TokenResponse map[string]any `json:"token_response,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

func storedDeviceFrom(da *DeviceAuthorization) storedDeviceAuthorization {
	stored := storedDeviceAuthorization{
		DeviceCode:    da.DeviceCode,
		UserCode:      da.UserCode,
		ClientID:      da.ClientID,
		Scopes:        slices.Clone(da.Scopes),
		Status:        string(da.Status),
		UserID:        da.UserID,
		IntervalSec:   int64(da.Interval / time.Second),
		ExpiresAt:     da.ExpiresAt.Unix(),
		TokenResponse: da.TokenResponse,
		CreatedAt:     da.CreatedAt.Unix(),
	}
	if !da.LastPolledAt.IsZero() {
		stored.LastPolledAt = da.LastPolledAt.Unix()
	}
	return stored
}

func (sd storedDeviceAuthorization) toDeviceAuthorization() *DeviceAuthorization {
	da := &DeviceAuthorization{
		DeviceCode:    sd.DeviceCode,
		UserCode:      sd.UserCode,
		ClientID:      sd.ClientID,
		Scopes:        slices.Clone(sd.Scopes),
		Status:        DeviceStatus(sd.Status),
		UserID:        sd.UserID,
		Interval:      time.Duration(sd.IntervalSec) * time.Second,
		ExpiresAt:     time.Unix(sd.ExpiresAt, 0),
		TokenResponse: sd.TokenResponse,
		CreatedAt:     time.Unix(sd.CreatedAt, 0),
	}
	if sd.LastPolledAt != 0 {
		da.LastPolledAt = time.Unix(sd.LastPolledAt, 0)
	}
	return da
}

// CreateDeviceAuthorization stores a new device authorization, claiming the
// user-code index first so a collision cannot shadow an in-flight grant.
//
// Records persist for a grace window past their expiry so late polls see
// expired_token rather than a generic invalid_grant.
func (s *RedisStorage) CreateDeviceAuthorization(ctx context.Context, da *DeviceAuthorization) error {
	if da == nil {
		return fosite.ErrInvalidRequest.WithHint("device authorization cannot be nil")
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return fosite.ErrInvalidRequest.WithHint("device code and user code cannot be empty")
	}

	ttl := time.Until(da.ExpiresAt) + DefaultDeviceAuthTTL
	if ttl <= 0 {
		return fosite.ErrInvalidRequest.WithHint("device authorization already expired")
	}

	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, da.UserCode)
	claimed, err := s.client.SetNX(ctx, userCodeKey, da.DeviceCode, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim user code: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: user code already exists", ErrConflict)
	}

	data, err := json.Marshal(storedDeviceFrom(da))
	if err != nil {
		_ = s.client.Del(ctx, userCodeKey).Err()
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeDevice, da.DeviceCode)
	created, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		_ = s.client.Del(ctx, userCodeKey).Err()
		return fmt.Errorf("failed to create device authorization: %w", err)
	}
	if !created {
		_ = s.client.Del(ctx, userCodeKey).Err()
		return fmt.Errorf("%w: device code already exists", ErrConflict)
	}

	return nil
}

// GetDeviceAuthorization retrieves a device authorization by device code.
func (s *RedisStorage) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	key := redisKey(s.keyPrefix, keyTypeDevice, deviceCode)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device authorization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}

	var stored storedDeviceAuthorization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device authorization: %w", err)
	}
	return stored.toDeviceAuthorization(), nil
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by the
// user-typed code.
func (s *RedisStorage) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, userCode)

	deviceCode, err := s.client.Get(ctx, userCodeKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device authorization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}

	return s.GetDeviceAuthorization(ctx, deviceCode)
}

// deviceCASScript atomically replaces a device authorization record only if
// its current status matches the expected one, preserving the key's TTL.
// Returns 1 on success, 0 if the key is missing, -1 on a status mismatch.
var deviceCASScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local rec = cjson.decode(data)
if rec.status ~= ARGV[1] then
	return -1
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// UpdateDeviceAuthorizationCAS writes da only if the stored record is still
// in expectStatus; otherwise it returns ErrConflict.
func (s *RedisStorage) UpdateDeviceAuthorizationCAS(ctx context.Context, da *DeviceAuthorization, expectStatus DeviceStatus) error {
	if da == nil {
		return fosite.ErrInvalidRequest.WithHint("device authorization cannot be nil")
	}

	data, err := json.Marshal(storedDeviceFrom(da))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeDevice, da.DeviceCode)
	result, err := deviceCASScript.Run(ctx, s.client, []string{key}, string(expectStatus), data).Int()
	if err != nil {
		return fmt.Errorf("failed to update device authorization: %w", err)
	}
	switch result {
	case 0:
		return fmt.Errorf("%w: device authorization not found", ErrNotFound)
	case -1:
		return fmt.Errorf("%w: device authorization status changed", ErrConflict)
	}
	return nil
}

// touchDeviceScript atomically updates the last_polled_at field, preserving
// the key's TTL. Returns 1 on success, 0 if the key is missing.
var touchDeviceScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local rec = cjson.decode(data)
rec.last_polled_at = tonumber(ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(rec))
end
return 1
`)

// TouchDeviceAuthorization records a poll timestamp.
func (s *RedisStorage) TouchDeviceAuthorization(ctx context.Context, deviceCode string, at time.Time) error {
	key := redisKey(s.keyPrefix, keyTypeDevice, deviceCode)

	result, err := touchDeviceScript.Run(ctx, s.client, []string{key}, at.Unix()).Int()
	if err != nil {
		return fmt.Errorf("failed to touch device authorization: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: device authorization not found", ErrNotFound)
	}
	return nil
}

// -----------------------
// KeyStorage
// -----------------------

// GetKeySet returns the stored signing key set.
func (s *RedisStorage) GetKeySet(ctx context.Context) (*KeySet, error) {
	key := redisKey(s.keyPrefix, keyTypeKeySet, "current")

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key set not initialized", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get key set: %w", err)
	}

	var set KeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key set: %w", err)
	}
	return &set, nil
}

// PutKeySet writes the key set if the stored version still equals
// expectVersion. The whole set is one value so rotation is atomic; WATCH
// makes the version check race-free across instances.
func (s *RedisStorage) PutKeySet(ctx context.Context, set *KeySet, expectVersion int64) error {
	if set == nil {
		return fosite.ErrInvalidRequest.WithHint("key set cannot be nil")
	}

	key := redisKey(s.keyPrefix, keyTypeKeySet, "current")
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to get key set: %w", err)
		}
		if err == nil {
			var existing KeySet
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal key set: %w", err)
			}
			current = existing.Version
		}

		if current != expectVersion {
			return fmt.Errorf("%w: key set version is %d, expected %d", ErrConflict, current, expectVersion)
		}

		updated, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("failed to marshal key set: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

// -----------------------
// RateLimitStorage
// -----------------------

// IncrementRateLimit bumps the fixed-window counter for key and returns the
// post-increment count. The window start is baked into the Redis key so all
// instances agree on boundaries; the key expires two windows later.
func (s *RedisStorage) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fosite.ErrInvalidRequest.WithHint("window must be positive")
	}

	windowStart := time.Now().Truncate(window).Unix()
	counterKey := redisKey(s.keyPrefix, keyTypeRateLimit, fmt.Sprintf("%s:%d", key, windowStart))

	count, err := s.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, counterKey, 2*window).Err(); err != nil {
			return 0, fmt.Errorf("failed to set rate counter expiry: %w", err)
		}
	}
	return count, nil
}

// -----------------------
// Serialization Helpers
// -----------------------

// loginSessionCarrier is implemented by sessions that track the browser
// login session their tokens were minted under.
type loginSessionCarrier interface {
	GetLoginSessionID() string
}

// marshalRequester serializes a fosite.Requester to JSON.
func marshalRequester(request fosite.Requester) ([]byte, error) {
	// Preserve all form values (url.Values is map[string][]string)
	formMap := make(map[string][]string)
	for key, values := range request.GetRequestForm() {
		formMap[key] = values
	}

	// Extract expiration times from session
	expiresAt := make(map[string]int64)
	session := request.GetSession()
	if session != nil {
		for _, tokenType := range []fosite.TokenType{fosite.AccessToken, fosite.RefreshToken, fosite.AuthorizeCode} {
			if exp := session.GetExpiresAt(tokenType); !exp.IsZero() {
				expiresAt[string(tokenType)] = exp.Unix()
			}
		}
	}

	subject := ""
	if session != nil {
		subject = session.GetSubject()
	}

	loginSessionID := ""
	if carrier, ok := session.(loginSessionCarrier); ok {
		loginSessionID = carrier.GetLoginSessionID()
	}

	// Preserve JWT claim extras so tokens minted from a deserialized
	// session (refresh grants, deferred exchanges) keep their identity
	// and tenant claims.
	var extra map[string]any
	if container, ok := session.(oauth2.JWTSessionContainer); ok {
		if claims, ok := container.GetJWTClaims().(*jwt.JWTClaims); ok {
			extra = claims.Extra
		}
	}

	stored := storedSession{
		ClientID:          request.GetClient().GetID(),
		RequestedAt:       request.GetRequestedAt(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              formMap,
		RequestID:         request.GetID(),
		Subject:           subject,
		LoginSessionID:    loginSessionID,
		Extra:             extra,
		ExpiresAt:         expiresAt,
	}

	return json.Marshal(stored)
}

// unmarshalRequester deserializes a fosite.Requester from JSON.
// It requires storage access to look up the client.
func unmarshalRequester(ctx context.Context, data []byte, s *RedisStorage) (fosite.Requester, error) {
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for session: %w", err)
	}

	form := url.Values(stored.Form)

	extra := stored.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	session := &redisSession{
		JWTSession: &oauth2.JWTSession{
			JWTClaims: &jwt.JWTClaims{
				Subject: stored.Subject,
				Extra:   extra,
			},
			JWTHeader: &jwt.Headers{Extra: map[string]any{}},
			Subject:   stored.Subject,
		},
		loginSessionID: stored.LoginSessionID,
	}
	for tokenTypeStr, unix := range stored.ExpiresAt {
		session.SetExpiresAt(fosite.TokenType(tokenTypeStr), time.Unix(unix, 0))
	}

	return &redisRequester{
		id:                stored.RequestID,
		requestedAt:       stored.RequestedAt,
		client:            client,
		requestedScopes:   stored.RequestedScopes,
		grantedScopes:     stored.GrantedScopes,
		requestedAudience: stored.RequestedAudience,
		grantedAudience:   stored.GrantedAudience,
		form:              form,
		session:           session,
	}, nil
}

// getTTLFromRequester extracts the TTL from a fosite.Requester session.
func getTTLFromRequester(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Duration {
	if request == nil {
		return defaultTTL
	}

	session := request.GetSession()
	if session == nil {
		return defaultTTL
	}

	expTime := session.GetExpiresAt(tokenType)
	if expTime.IsZero() {
		return defaultTTL
	}

	ttl := time.Until(expTime)
	if ttl <= 0 {
		return defaultTTL
	}

	return ttl
}

// -----------------------
// Redis Session/Requester Types
// -----------------------

// redisSession implements fosite.Session for deserialization. It embeds
// a JWT session so the JWT access token strategy can mint from a
// deserialized session with all claim extras intact.
type redisSession struct {
	*oauth2.JWTSession
	loginSessionID string
}

func (s *redisSession) GetLoginSessionID() string { return s.loginSessionID }
func (s *redisSession) Clone() fosite.Session {
	clone := &redisSession{loginSessionID: s.loginSessionID}
	if s.JWTSession != nil {
		if inner, ok := s.JWTSession.Clone().(*oauth2.JWTSession); ok {
			clone.JWTSession = inner
		}
	}
	return clone
}

// redisRequester implements fosite.Requester for deserialization.
type redisRequester struct {
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

func (r *redisRequester) SetID(id string)                           { r.id = id }
func (r *redisRequester) GetID() string                             { return r.id }
func (r *redisRequester) GetRequestedAt() time.Time                 { return r.requestedAt }
func (r *redisRequester) GetClient() fosite.Client                  { return r.client }
func (r *redisRequester) GetRequestedScopes() fosite.Arguments      { return r.requestedScopes }
func (r *redisRequester) GetRequestedAudience() fosite.Arguments    { return r.requestedAudience }
func (r *redisRequester) SetRequestedScopes(s fosite.Arguments)     { r.requestedScopes = s }
func (r *redisRequester) SetRequestedAudience(aud fosite.Arguments) { r.requestedAudience = aud }
func (r *redisRequester) AppendRequestedScope(scope string) {
	r.requestedScopes = append(r.requestedScopes, scope)
}
func (r *redisRequester) GetGrantedScopes() fosite.Arguments   { return r.grantedScopes }
func (r *redisRequester) GetGrantedAudience() fosite.Arguments { return r.grantedAudience }
func (r *redisRequester) GrantScope(scope string)              { r.grantedScopes = append(r.grantedScopes, scope) }
func (r *redisRequester) GrantAudience(aud string) {
	r.grantedAudience = append(r.grantedAudience, aud)
}
func (r *redisRequester) GetSession() fosite.Session           { return r.session }
func (r *redisRequester) SetSession(s fosite.Session)          { r.session = s }
func (r *redisRequester) GetRequestForm() url.Values           { return r.form }
func (*redisRequester) Merge(_ fosite.Requester)               {}
func (r *redisRequester) Sanitize(_ []string) fosite.Requester { return r }

// Compile-time interface compliance checks
var (
	_ Storage          = (*RedisStorage)(nil)
	_ TenantStorage    = (*RedisStorage)(nil)
	_ DeviceStorage    = (*RedisStorage)(nil)
	_ KeyStorage       = (*RedisStorage)(nil)
	_ RateLimitStorage = (*RedisStorage)(nil)
)
