// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package device implements the device authorization grant (RFC 8628) for
// headless clients: CLIs and agents that cannot open a browser redirect.
//
// The client obtains a device/user code pair, the user approves or denies
// the user code through the browser UI, and the client polls the token
// endpoint with the device code until it reaches a terminal state.
package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/storage"
)

// RFC 8628 defaults.
const (
	DefaultCodeTTL      = 15 * time.Minute
	DefaultPollInterval = 5 * time.Second

	deviceCodeBytes = 32
)

// Poll and approval outcomes, named after the OAuth error codes the token
// endpoint translates them to.
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrExpiredToken         = errors.New("expired_token")
	ErrAccessDenied         = errors.New("access_denied")
	ErrInvalidDeviceCode    = errors.New("invalid device code")
	ErrInvalidUserCode      = errors.New("invalid user code")
	ErrClientNotAllowed     = errors.New("client is not enabled for the device grant")
	ErrAlreadyResolved      = errors.New("device authorization already resolved")
)

// TokenIssuer signs the token set for an approved device authorization.
// Implemented by the authorization server; the map is the token endpoint
// response body (access_token, id_token, refresh_token, expires_in, ...).
type TokenIssuer interface {
	IssueForDeviceGrant(ctx context.Context, da *storage.DeviceAuthorization) (map[string]any, error)
}

// CodeResponse is the device authorization endpoint response.
type CodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// Service manages the device authorization lifecycle.
type Service struct {
	store   storage.DeviceStorage
	issuer  TokenIssuer
	logger  *slog.Logger
	allowed map[string]bool

	verificationURI string
	codeTTL         time.Duration
	pollInterval    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCodeTTL sets the device code lifetime.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) { s.codeTTL = d }
}

// WithPollInterval sets the minimum interval between polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a device grant service. allowedClients is the set of
// client IDs enabled for this grant; general OAuth clients are not
// device-capable unless listed.
func NewService(store storage.DeviceStorage, issuer TokenIssuer, verificationURI string, allowedClients []string, opts ...Option) *Service {
	s := &Service{
		store:           store,
		issuer:          issuer,
		logger:          slog.Default(),
		allowed:         make(map[string]bool, len(allowedClients)),
		verificationURI: verificationURI,
		codeTTL:         DefaultCodeTTL,
		pollInterval:    DefaultPollInterval,
	}
	for _, id := range allowedClients {
		s.allowed[id] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestCode issues a device/user code pair for an allow-listed client.
func (s *Service) RequestCode(ctx context.Context, clientID string, scopes []string) (*CodeResponse, error) {
	if !s.allowed[clientID] {
		return nil, fmt.Errorf("%w: %s", ErrClientNotAllowed, clientID)
	}

	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := crypto.GenerateUserCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	da := &storage.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Scopes:     append([]string(nil), scopes...),
		Status:     storage.DeviceStatusPending,
		Interval:   s.pollInterval,
		ExpiresAt:  now.Add(s.codeTTL),
		CreatedAt:  now,
	}
	if err := s.store.CreateDeviceAuthorization(ctx, da); err != nil {
		return nil, fmt.Errorf("failed to store device authorization: %w", err)
	}

	s.logger.Info("issued device code", "client_id", clientID, "user_code", userCode)
	return &CodeResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         s.verificationURI,
		VerificationURIComplete: s.verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(s.codeTTL.Seconds()),
		Interval:                int64(s.pollInterval.Seconds()),
	}, nil
}

// Lookup returns the pending authorization for a user code, for rendering
// the approval page. Expired or already-resolved codes are rejected.
func (s *Service) Lookup(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	da, err := s.getByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if da.Status != storage.DeviceStatusPending {
		return nil, ErrAlreadyResolved
	}
	return da, nil
}

// Approve marks a pending user code as approved by the given user. Exactly
// one of two concurrent approve/deny calls wins.
func (s *Service) Approve(ctx context.Context, userCode, userID string) error {
	return s.resolve(ctx, userCode, storage.DeviceStatusApproved, userID)
}

// Deny marks a pending user code as denied.
func (s *Service) Deny(ctx context.Context, userCode string) error {
	return s.resolve(ctx, userCode, storage.DeviceStatusDenied, "")
}

func (s *Service) resolve(ctx context.Context, userCode string, status storage.DeviceStatus, userID string) error {
	da, err := s.getByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if da.Status != storage.DeviceStatusPending {
		return ErrAlreadyResolved
	}

	da.Status = status
	da.UserID = userID
	if err := s.store.UpdateDeviceAuthorizationCAS(ctx, da, storage.DeviceStatusPending); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrAlreadyResolved
		}
		return err
	}

	s.logger.Info("resolved device authorization",
		"user_code", userCode, "status", string(status))
	return nil
}

func (s *Service) getByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	normalized := crypto.NormalizeUserCode(userCode)
	da, err := s.store.GetDeviceAuthorizationByUserCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidUserCode
		}
		return nil, err
	}
	if time.Now().After(da.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return da, nil
}

// Poll is the device_code token-grant check. It returns the token response
// once approved; polling an approved code again returns the same tokens.
// Non-terminal and failure states surface as the sentinel errors above.
func (s *Service) Poll(ctx context.Context, deviceCode string) (map[string]any, error) {
	da, err := s.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidDeviceCode
		}
		return nil, err
	}

	now := time.Now()
	if now.After(da.ExpiresAt) {
		return nil, ErrExpiredToken
	}

	interval := da.Interval
	if interval <= 0 {
		interval = s.pollInterval
	}
	tooFast := !da.LastPolledAt.IsZero() && now.Sub(da.LastPolledAt) < interval
	// Record this poll regardless of outcome so a client ignoring
	// slow_down keeps resetting its own clock.
	if err := s.store.TouchDeviceAuthorization(ctx, deviceCode, now); err != nil {
		s.logger.Warn("failed to record device poll", "error", err)
	}
	if tooFast {
		return nil, ErrSlowDown
	}

	switch da.Status {
	case storage.DeviceStatusPending:
		return nil, ErrAuthorizationPending
	case storage.DeviceStatusDenied:
		return nil, ErrAccessDenied
	case storage.DeviceStatusExpired:
		return nil, ErrExpiredToken
	case storage.DeviceStatusApproved:
		return s.redeem(ctx, da)
	default:
		return nil, fmt.Errorf("unknown device authorization status: %s", da.Status)
	}
}

// redeem issues tokens on the first poll after approval and persists the
// response, so later polls and concurrent instances return identical
// tokens instead of minting new ones.
func (s *Service) redeem(ctx context.Context, da *storage.DeviceAuthorization) (map[string]any, error) {
	if da.TokenResponse != nil {
		return da.TokenResponse, nil
	}

	tokens, err := s.issuer.IssueForDeviceGrant(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("failed to issue device grant tokens: %w", err)
	}

	da.TokenResponse = tokens
	if err := s.store.UpdateDeviceAuthorizationCAS(ctx, da, storage.DeviceStatusApproved); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race to another instance; return its tokens.
			stored, getErr := s.store.GetDeviceAuthorization(ctx, da.DeviceCode)
			if getErr == nil && stored.TokenResponse != nil {
				return stored.TokenResponse, nil
			}
		}
		return nil, fmt.Errorf("failed to persist device grant tokens: %w", err)
	}
	return tokens, nil
}

func generateDeviceCode() (string, error) {
	buf := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
