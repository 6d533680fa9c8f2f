// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	josev3 "github.com/go-jose/go-jose/v3"

	"github.com/tasklane/identity/pkg/authserver/keys"
)

// IDTokenLifespan bounds the ID token. It is an identity assertion for the
// client, not an API credential, so it stays short regardless of the
// access token lifespan.
const IDTokenLifespan = time.Hour

// IDTokenSigner mints OIDC ID tokens with the key manager's current
// signing key, so the kid always matches the access token signatures.
type IDTokenSigner struct {
	issuer string
	keys   *keys.Manager
}

// NewIDTokenSigner creates an ID token signer for the issuer.
func NewIDTokenSigner(issuer string, keyManager *keys.Manager) *IDTokenSigner {
	return &IDTokenSigner{issuer: issuer, keys: keyManager}
}

// Sign mints an ID token for a subject and audience. extra carries the
// resolved identity claims merged into the payload; registered claims
// (iss, sub, aud, exp, iat) always win over extra entries.
func (s *IDTokenSigner) Sign(ctx context.Context, subject, clientID string, extra map[string]any) (string, error) {
	signingKey, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	now := time.Now()
	claims := make(map[string]any, len(extra)+6)
	for k, v := range extra {
		claims[k] = v
	}
	claims["iss"] = s.issuer
	claims["sub"] = subject
	claims["aud"] = clientID
	claims["azp"] = clientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(IDTokenLifespan).Unix()

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ID token claims: %w", err)
	}

	opts := (&josev3.SignerOptions{}).WithType("JWT")
	signer, err := josev3.NewSigner(josev3.SigningKey{
		Algorithm: josev3.RS256,
		Key:       signingKey,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create ID token signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}

	return jws.CompactSerialize()
}
