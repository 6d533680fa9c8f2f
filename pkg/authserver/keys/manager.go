// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the token-signing key set: generation, storage with
// private keys sealed at rest, scheduled rotation, and JWKS publication.
//
// The set holds at most one key in the signing state. Rotation demotes the
// signing key to verify-only, where it keeps validating previously issued
// tokens until its grace window elapses and it is retired. Retired keys
// drop out of the JWKS.
package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	josev3 "github.com/go-jose/go-jose/v3"
	josev4 "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/storage"

	cryptorand "crypto/rand"
)

// Defaults for the key lifecycle.
const (
	DefaultRotationPeriod = 90 * 24 * time.Hour
	DefaultGracePeriod    = 30 * 24 * time.Hour
	DefaultRSAKeySize     = 2048
	DefaultCheckInterval  = time.Hour

	// SigningAlgorithm is the only algorithm issued keys use.
	SigningAlgorithm = "RS256"

	// cacheTTL bounds how stale the in-process key set view may be. The
	// grace window is measured in days, so a short read-through cache is
	// harmless and keeps per-token signing off the storage hot path.
	cacheTTL = time.Minute
)

// ErrNoSigningKey is returned when the key set has no key in the signing state.
var ErrNoSigningKey = errors.New("no signing key available")

// ErrKeyNotFound is returned when no live key matches a requested kid.
var ErrKeyNotFound = errors.New("key not found")

// Manager owns the signing key set. All instances of the service share the
// same set through storage; optimistic versioning makes rotation safe when
// several instances check at the same time.
type Manager struct {
	store  storage.KeyStorage
	sealer *crypto.Sealer
	logger *slog.Logger

	rotationPeriod time.Duration
	gracePeriod    time.Duration
	keySize        int
	checkInterval  time.Duration

	mu        sync.RWMutex
	cached    *storage.KeySet
	fetchedAt time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRotationPeriod sets how long a key signs before rotation is due.
func WithRotationPeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.rotationPeriod = d }
}

// WithGracePeriod sets how long a rotated key keeps verifying tokens.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.gracePeriod = d }
}

// WithKeySize sets the RSA modulus size in bits.
func WithKeySize(bits int) ManagerOption {
	return func(m *Manager) { m.keySize = bits }
}

// WithCheckInterval sets how often the background loop checks for due rotation.
func WithCheckInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.checkInterval = d }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a key manager backed by the given storage and sealer.
func NewManager(store storage.KeyStorage, sealer *crypto.Sealer, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		sealer:         sealer,
		logger:         slog.Default(),
		rotationPeriod: DefaultRotationPeriod,
		gracePeriod:    DefaultGracePeriod,
		keySize:        DefaultRSAKeySize,
		checkInterval:  DefaultCheckInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize ensures a signing key exists, generating the first key pair on
// an empty store. Safe to call from multiple instances: the loser of the
// first-write race adopts the winner's set.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err := m.keySet(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	pair, err := m.generatePair(time.Now())
	if err != nil {
		return err
	}

	set := &storage.KeySet{Version: 1, Keys: []*storage.KeyPair{pair}}
	if err := m.store.PutKeySet(ctx, set, 0); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another instance initialized first.
			m.invalidate()
			return nil
		}
		return fmt.Errorf("failed to store initial key set: %w", err)
	}

	m.logger.Info("generated initial signing key", "kid", pair.KID)
	m.invalidate()
	return nil
}

// SigningKey returns the current signing key as a private JWK, ready for
// the JWT strategy's key getter. The kid travels in the JWT header so
// verifiers can select the right public key after rotation.
func (m *Manager) SigningKey(ctx context.Context) (*josev3.JSONWebKey, error) {
	set, err := m.keySet(ctx)
	if err != nil {
		return nil, err
	}

	pair := signingPair(set)
	if pair == nil {
		return nil, ErrNoSigningKey
	}

	priv, err := m.unsealPrivateKey(pair)
	if err != nil {
		return nil, err
	}

	return &josev3.JSONWebKey{
		Key:       priv,
		KeyID:     pair.KID,
		Algorithm: pair.Algorithm,
		Use:       "sig",
	}, nil
}

// PublicJWKS returns the JWKS document: the signing key plus any keys still
// inside their verification grace window. Retired keys are excluded.
func (m *Manager) PublicJWKS(ctx context.Context) (*josev4.JSONWebKeySet, error) {
	set, err := m.keySet(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	jwks := &josev4.JSONWebKeySet{}
	for _, pair := range set.Keys {
		if pair.State == storage.KeyStateRetired || m.graceElapsed(pair, now) {
			continue
		}
		pub, err := parsePublicKey(pair.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", pair.KID, err)
		}
		jwks.Keys = append(jwks.Keys, josev4.JSONWebKey{
			Key:       pub,
			KeyID:     pair.KID,
			Algorithm: pair.Algorithm,
			Use:       "sig",
		})
	}
	return jwks, nil
}

// VerificationKey returns the public key for a kid, covering the signing
// key and keys still inside their grace window. A kid missing from the
// cached set forces one refresh from storage before failing: a token
// signed by an instance that just rotated carries a kid this instance
// has not seen yet.
func (m *Manager) VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := m.keySet(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pair := m.livePair(set, kid, now)
	if pair == nil {
		m.invalidate()
		if set, err = m.keySet(ctx); err != nil {
			return nil, err
		}
		if pair = m.livePair(set, kid, now); pair == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
		}
	}
	return parsePublicKey(pair.PublicKeyPEM)
}

// Rotate generates a fresh signing key, demotes the current one to
// verify-only, and retires keys past their grace window. The new set is
// written with an optimistic version check; on conflict the other writer's
// rotation stands and no error is returned.
//
// A generation or storage failure leaves the previous set untouched, so
// token issuance continues on the old key.
func (m *Manager) Rotate(ctx context.Context) error {
	set, err := m.keySet(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	pair, err := m.generatePair(now)
	if err != nil {
		return err
	}

	next := &storage.KeySet{
		Version: set.Version + 1,
		Keys:    []*storage.KeyPair{pair},
	}
	for _, old := range set.Keys {
		cp := *old
		switch cp.State {
		case storage.KeyStateSigning:
			cp.State = storage.KeyStateVerifyOnly
			cp.RotatedAt = now
		case storage.KeyStateVerifyOnly:
			if !cp.RotatedAt.IsZero() && now.Sub(cp.RotatedAt) > m.gracePeriod {
				cp.State = storage.KeyStateRetired
			}
		}
		next.Keys = append(next.Keys, &cp)
	}

	if err := m.store.PutKeySet(ctx, next, set.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Info("key rotation lost race to another instance")
			m.invalidate()
			return nil
		}
		return fmt.Errorf("failed to store rotated key set: %w", err)
	}

	m.logger.Info("rotated signing key", "kid", pair.KID, "version", next.Version)
	m.invalidate()
	return nil
}

// RotateIfDue rotates when the signing key is older than the rotation
// period. Returns true if a rotation was performed.
func (m *Manager) RotateIfDue(ctx context.Context) (bool, error) {
	set, err := m.keySet(ctx)
	if err != nil {
		return false, err
	}

	pair := signingPair(set)
	if pair == nil {
		return true, m.Rotate(ctx)
	}
	if time.Since(pair.CreatedAt) < m.rotationPeriod {
		return false, nil
	}
	return true, m.Rotate(ctx)
}

// Run periodically checks for due rotation until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.RotateIfDue(ctx); err != nil {
				m.logger.Error("scheduled key rotation failed", "error", err)
			}
		}
	}
}

func (m *Manager) keySet(ctx context.Context) (*storage.KeySet, error) {
	m.mu.RLock()
	if m.cached != nil && time.Since(m.fetchedAt) < cacheTTL {
		set := m.cached
		m.mu.RUnlock()
		return set, nil
	}
	m.mu.RUnlock()

	set, err := m.store.GetKeySet(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = set
	m.fetchedAt = time.Now()
	m.mu.Unlock()
	return set, nil
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// graceElapsed reports whether a verify-only pair is past its grace
// window. Reads treat such a pair as retired immediately; the retired
// state is persisted on the next rotation. Without the read-time check
// an overdue key would keep verifying until rotation comes due.
func (m *Manager) graceElapsed(pair *storage.KeyPair, now time.Time) bool {
	return pair.State == storage.KeyStateVerifyOnly &&
		!pair.RotatedAt.IsZero() && now.Sub(pair.RotatedAt) > m.gracePeriod
}

func (m *Manager) livePair(set *storage.KeySet, kid string, now time.Time) *storage.KeyPair {
	for _, pair := range set.Keys {
		if pair.KID != kid || pair.State == storage.KeyStateRetired || m.graceElapsed(pair, now) {
			continue
		}
		return pair
	}
	return nil
}

func signingPair(set *storage.KeySet) *storage.KeyPair {
	for _, pair := range set.Keys {
		if pair.State == storage.KeyStateSigning {
			return pair
		}
	}
	return nil
}

func (m *Manager) generatePair(now time.Time) (*storage.KeyPair, error) {
	priv, err := rsa.GenerateKey(cryptorand.Reader, m.keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	sealed, err := m.sealer.Seal(privPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return &storage.KeyPair{
		KID:                 uuid.NewString(),
		Algorithm:           SigningAlgorithm,
		PublicKeyPEM:        pubPEM,
		EncryptedPrivateKey: sealed,
		State:               storage.KeyStateSigning,
		CreatedAt:           now,
	}, nil
}

func (m *Manager) unsealPrivateKey(pair *storage.KeyPair) (*rsa.PrivateKey, error) {
	privPEM, err := m.sealer.Open(pair.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal private key %s: %w", pair.KID, err)
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM for %s", pair.KID)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", pair.KID, err)
	}
	return priv, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}
