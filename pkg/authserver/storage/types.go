// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// identity provider: fosite token/code storage plus the tenant-aware
// records (users, organizations, memberships, login sessions), device
// authorizations, signing key sets, and rate-limit counters.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"
)

// Default TTLs for stored entries.
const (
	DefaultAuthCodeTTL        = 10 * time.Minute
	DefaultPKCETTL            = 10 * time.Minute
	DefaultAccessTokenTTL     = 6 * time.Hour
	DefaultRefreshTokenTTL    = 7 * 24 * time.Hour
	DefaultInvalidatedCodeTTL = 24 * time.Hour
	DefaultPendingAuthTTL     = 10 * time.Minute
	DefaultDeviceAuthTTL      = 15 * time.Minute
	DefaultLoginSessionTTL    = 30 * 24 * time.Hour
	DefaultCleanupInterval    = 5 * time.Minute
)

// Sentinel errors shared by all storage backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-set update lost a race and
	// should be retried by the caller (or treated as a terminal state
	// transition failure, e.g. double code consumption).
	ErrConflict = errors.New("conflict")

	// ErrNotAMember indicates an active-organization switch referenced
	// an organization the session's user does not belong to.
	ErrNotAMember = errors.New("user is not a member of organization")

	// ErrDuplicate indicates a uniqueness violation (email, slug).
	ErrDuplicate = errors.New("duplicate")

	// ErrLastOwner indicates a membership removal would leave an
	// organization without an owner.
	ErrLastOwner = errors.New("organization must retain at least one owner")
)

// HashScheme tags which password hashing scheme produced a stored hash.
// Dispatch is by tag, not prefix sniffing, so a misformatted hash can
// never be silently verified under the wrong scheme.
type HashScheme string

// Supported hash schemes. Bcrypt is the legacy scheme carried over from
// the system this service replaced; argon2id is the default for all new
// and re-set passwords.
const (
	SchemeBcrypt   HashScheme = "bcrypt"
	SchemeArgon2ID HashScheme = "argon2id"
)

// User is an account record. IDs are stable across migrations; the core
// never hard-deletes users.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	EmailVerified bool       `json:"email_verified"`
	Name          string     `json:"name,omitempty"`
	GivenName     string     `json:"given_name,omitempty"`
	Locale        string     `json:"locale,omitempty"`
	Role          string     `json:"role,omitempty"`
	PasswordHash  string     `json:"-"`
	HashScheme    HashScheme `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Organization is a tenant.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// MembershipRole is a user's role within one organization.
type MembershipRole string

// Membership roles, in descending privilege order.
const (
	RoleOwner  MembershipRole = "owner"
	RoleAdmin  MembershipRole = "admin"
	RoleMember MembershipRole = "member"
)

// Membership links a user to an organization with a role.
type Membership struct {
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id"`
	Role           MembershipRole `json:"role"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LoginSession is a browser login session. ActiveOrganizationID, when
// set, must reference one of the user's memberships; it is the tenant
// hint the claims resolver reads.
type LoginSession struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	ActiveOrganizationID string    `json:"active_organization_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *LoginSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// PendingAuthorization tracks an authorization request between the
// initial /oauth2/authorize validation and the code mint that follows
// login and consent. Single-use; consumed when the code is issued.
type PendingAuthorization struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scopes              []string  `json:"scopes"`
	CreatedAt           time.Time `json:"created_at"`
}

// DeviceStatus is the lifecycle state of a device authorization.
type DeviceStatus string

// Device authorization states. Pending transitions exactly once to
// approved or denied; anything past its expiry reads as expired.
const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
	DeviceStatusExpired  DeviceStatus = "expired"
)

// DeviceAuthorization is an RFC 8628 device grant in flight.
// TokenResponse is persisted on the first successful poll of an
// approved code so repeat polls return the identical token set.
type DeviceAuthorization struct {
	DeviceCode    string          `json:"device_code"`
	UserCode      string          `json:"user_code"`
	ClientID      string          `json:"client_id"`
	Scopes        []string        `json:"scopes"`
	Status        DeviceStatus    `json:"status"`
	UserID        string          `json:"user_id,omitempty"`
	Interval      time.Duration   `json:"interval"`
	ExpiresAt     time.Time       `json:"expires_at"`
	LastPolledAt  time.Time       `json:"last_polled_at,omitempty"`
	TokenResponse map[string]any  `json:"token_response,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// KeyState is the lifecycle state of a signing key pair.
type KeyState string

// Key pair states. Exactly one pair is ever in the signing state;
// verify-only pairs still validate tokens signed before rotation until
// their grace window elapses.
const (
	KeyStateSigning    KeyState = "signing"
	KeyStateVerifyOnly KeyState = "verify-only"
	KeyStateRetired    KeyState = "retired"
)

// KeyPair is one signing key pair. The private key is stored sealed
// (AES-GCM under the master key) and decrypted only inside signing.
type KeyPair struct {
	KID                 string    `json:"kid"`
	Algorithm           string    `json:"algorithm"`
	PublicKeyPEM        []byte    `json:"public_key_pem"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	State               KeyState  `json:"state"`
	CreatedAt           time.Time `json:"created_at"`
	RotatedAt           time.Time `json:"rotated_at,omitempty"`
}

// KeySet is the full ordered set of key pairs plus an optimistic
// concurrency version. Rotation writes the whole set atomically.
type KeySet struct {
	Version int64      `json:"version"`
	Keys    []*KeyPair `json:"keys"`
}

// TenantStorage persists users, organizations, memberships, and login
// sessions — the narrow interface the identity core needs from the
// relational store the rest of the product owns.
type TenantStorage interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)

	AddMembership(ctx context.Context, m *Membership) error
	RemoveMembership(ctx context.Context, orgID, userID string) error
	// ListMembershipsByUser returns memberships in insertion order; the
	// claims resolver depends on that order for the default tenant.
	ListMembershipsByUser(ctx context.Context, userID string) ([]*Membership, error)

	CreateLoginSession(ctx context.Context, session *LoginSession) error
	GetLoginSession(ctx context.Context, id string) (*LoginSession, error)
	DeleteLoginSession(ctx context.Context, id string) error
	// SetActiveOrganization atomically validates membership and records
	// the switch. Returns ErrNotAMember when validation fails. An empty
	// orgID clears the active organization.
	SetActiveOrganization(ctx context.Context, sessionID, orgID string) error
}

// DeviceStorage persists device-grant state.
type DeviceStorage interface {
	CreateDeviceAuthorization(ctx context.Context, da *DeviceAuthorization) error
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)
	// UpdateDeviceAuthorizationCAS writes da only if the stored record is
	// still in expectStatus; otherwise it returns ErrConflict. This is
	// what makes approve/deny and first-token-delivery exactly-once.
	UpdateDeviceAuthorizationCAS(ctx context.Context, da *DeviceAuthorization, expectStatus DeviceStatus) error
	// TouchDeviceAuthorization records a poll timestamp (plain write).
	TouchDeviceAuthorization(ctx context.Context, deviceCode string, at time.Time) error
}

// KeyStorage persists the signing key set.
type KeyStorage interface {
	GetKeySet(ctx context.Context) (*KeySet, error)
	// PutKeySet writes the set if the stored version still equals
	// expectVersion (0 for first write); otherwise returns ErrConflict.
	PutKeySet(ctx context.Context, set *KeySet, expectVersion int64) error
}

// RateLimitStorage maintains fixed-window counters.
type RateLimitStorage interface {
	// IncrementRateLimit bumps the counter for key within the current
	// fixed window and returns the post-increment count.
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Storage combines the fosite storage contracts with the identity
// provider's own persistence needs. Implementations: MemoryStorage for
// single-instance deployments and tests, RedisStorage for shared
// multi-instance deployments.
type Storage interface {
	// fosite.ClientManager provides client lookup and JTI replay checks.
	fosite.ClientManager

	// oauth2.AuthorizeCodeStorage provides single-use authorization codes.
	oauth2.AuthorizeCodeStorage

	// oauth2.AccessTokenStorage provides access token sessions.
	oauth2.AccessTokenStorage

	// oauth2.RefreshTokenStorage provides refresh token sessions.
	oauth2.RefreshTokenStorage

	// oauth2.TokenRevocationStorage supports refresh-token rotation.
	oauth2.TokenRevocationStorage

	// pkce.PKCERequestStorage provides PKCE challenge storage.
	pkce.PKCERequestStorage

	TenantStorage
	DeviceStorage
	KeyStorage
	RateLimitStorage

	// RegisterClient adds or replaces an OAuth client (static seeding
	// and RFC 7591 dynamic registration).
	RegisterClient(ctx context.Context, client fosite.Client) error

	// StorePendingAuthorization stores an authorization request awaiting
	// login/consent, keyed by its ID.
	StorePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// ConsumePendingAuthorization retrieves and deletes a pending
	// authorization in one step (single-use).
	ConsumePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
