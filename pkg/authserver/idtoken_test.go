// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	josev3 "github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/keys"
	"github.com/tasklane/identity/pkg/authserver/storage"
)

func newTestKeyManager(t *testing.T) *keys.Manager {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	masterKey := make([]byte, crypto.MasterKeySize)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(masterKey)
	require.NoError(t, err)

	manager := keys.NewManager(store, sealer, keys.WithKeySize(1024))
	require.NoError(t, manager.Initialize(context.Background()))
	return manager
}

func TestIDTokenSignerSign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manager := newTestKeyManager(t)
	signer := NewIDTokenSigner("https://id.tasklane.dev", manager)

	token, err := signer.Sign(ctx, "user-1", "client-1", map[string]any{
		"email": "ada@tasklane.dev",
		"nonce": "n-123",
	})
	require.NoError(t, err)

	jws, err := josev3.ParseSigned(token)
	require.NoError(t, err)
	require.Len(t, jws.Signatures, 1)
	assert.Equal(t, "RS256", jws.Signatures[0].Header.Algorithm)

	// The signature must verify against the published JWKS entry for the
	// token's kid.
	jwks, err := manager.PublicJWKS(ctx)
	require.NoError(t, err)
	matches := jwks.Key(jws.Signatures[0].Header.KeyID)
	require.Len(t, matches, 1)

	payload, err := jws.Verify(matches[0].Key)
	require.NoError(t, err)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "https://id.tasklane.dev", claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "client-1", claims["aud"])
	assert.Equal(t, "client-1", claims["azp"])
	assert.Equal(t, "ada@tasklane.dev", claims["email"])
	assert.Equal(t, "n-123", claims["nonce"])

	exp := int64(claims["exp"].(float64))
	iat := int64(claims["iat"].(float64))
	assert.Equal(t, int64(IDTokenLifespan/time.Second), exp-iat)
}

func TestIDTokenSignerRegisteredClaimsWin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manager := newTestKeyManager(t)
	signer := NewIDTokenSigner("https://id.tasklane.dev", manager)

	// Extra claims must not override the registered ones.
	token, err := signer.Sign(ctx, "user-1", "client-1", map[string]any{
		"iss": "https://evil.example.com",
		"sub": "someone-else",
	})
	require.NoError(t, err)

	jws, err := josev3.ParseSigned(token)
	require.NoError(t, err)
	payload := jws.UnsafePayloadWithoutVerification()

	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "https://id.tasklane.dev", claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
}
