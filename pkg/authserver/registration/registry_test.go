// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

func withRegistry(t *testing.T) (*Registry, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, nil), store
}

func TestRegistry_RegisterPublicClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, _ := withRegistry(t)

	resp, dcrErr, err := registry.Register(ctx, &DCRRequest{
		RedirectURIs: []string{"http://127.0.0.1/callback"},
		ClientName:   "tasklane dev cli",
	})
	require.NoError(t, err)
	require.Nil(t, dcrErr)

	assert.NotEmpty(t, resp.ClientID)
	assert.Empty(t, resp.ClientSecret, "public clients get no secret")
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)

	client, err := registry.Resolve(ctx, resp.ClientID)
	require.NoError(t, err)
	assert.True(t, client.IsPublic())
	assert.False(t, storage.IsTrusted(client), "dynamic clients are never trusted")
}

func TestRegistry_RegisterConfidentialClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, _ := withRegistry(t)

	resp, dcrErr, err := registry.Register(ctx, &DCRRequest{
		RedirectURIs:            []string{"https://service.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
	})
	require.NoError(t, err)
	require.Nil(t, dcrErr)
	require.NotEmpty(t, resp.ClientSecret)

	client, err := registry.Resolve(ctx, resp.ClientID)
	require.NoError(t, err)
	assert.False(t, client.IsPublic())

	// Only the bcrypt hash of the secret is stored.
	hashed := client.GetHashedSecret()
	assert.NotEqual(t, resp.ClientSecret, string(hashed))
	assert.NoError(t, bcrypt.CompareHashAndPassword(hashed, []byte(resp.ClientSecret)))
}

func TestRegistry_RegisterRejectsBadMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, _ := withRegistry(t)

	tests := []struct {
		name     string
		req      *DCRRequest
		wantCode string
	}{
		{
			"missing redirect URIs",
			&DCRRequest{},
			DCRErrorInvalidRedirectURI,
		},
		{
			"http redirect to public host",
			&DCRRequest{RedirectURIs: []string{"http://example.com/callback"}},
			DCRErrorInvalidRedirectURI,
		},
		{
			"custom scheme",
			&DCRRequest{RedirectURIs: []string{"myapp://callback"}},
			DCRErrorInvalidRedirectURI,
		},
		{
			"fragment in redirect",
			&DCRRequest{RedirectURIs: []string{"https://example.com/cb#frag"}},
			DCRErrorInvalidRedirectURI,
		},
		{
			"implicit grant",
			&DCRRequest{
				RedirectURIs: []string{"https://example.com/cb"},
				GrantTypes:   []string{"authorization_code", "implicit"},
			},
			DCRErrorInvalidClientMetadata,
		},
		{
			"refresh token only",
			&DCRRequest{
				RedirectURIs: []string{"https://example.com/cb"},
				GrantTypes:   []string{"refresh_token"},
			},
			DCRErrorInvalidClientMetadata,
		},
		{
			"token response type",
			&DCRRequest{
				RedirectURIs:  []string{"https://example.com/cb"},
				ResponseTypes: []string{"token"},
			},
			DCRErrorInvalidClientMetadata,
		},
		{
			"unknown auth method",
			&DCRRequest{
				RedirectURIs:            []string{"https://example.com/cb"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			DCRErrorInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, dcrErr, err := registry.Register(ctx, tt.req)
			require.NoError(t, err)
			require.NotNil(t, dcrErr)
			assert.Nil(t, resp)
			assert.Equal(t, tt.wantCode, dcrErr.Error)
		})
	}
}

func TestRegistry_SeedStatic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, _ := withRegistry(t)

	err := registry.SeedStatic(ctx, []StaticClient{
		{
			ID:           "tasklane-web",
			Name:         "Tasklane Dashboard",
			Secret:       "hunter2-but-longer",
			RedirectURIs: []string{"https://app.tasklane.dev/callback"},
			Trusted:      true,
		},
		{
			ID:           "tasklane-cli",
			Name:         "Tasklane CLI",
			RedirectURIs: []string{"http://127.0.0.1/callback"},
			Public:       true,
		},
	})
	require.NoError(t, err)

	web, err := registry.Resolve(ctx, "tasklane-web")
	require.NoError(t, err)
	assert.True(t, storage.IsTrusted(web))
	assert.False(t, web.IsPublic())
	assert.NoError(t, bcrypt.CompareHashAndPassword(web.GetHashedSecret(), []byte("hunter2-but-longer")))
	assert.Equal(t, DefaultScopes, []string(web.GetScopes()))

	cli, err := registry.Resolve(ctx, "tasklane-cli")
	require.NoError(t, err)
	assert.True(t, cli.IsPublic())
	assert.False(t, storage.IsTrusted(cli))
}

func TestRegistry_SeedStaticValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, _ := withRegistry(t)

	assert.Error(t, registry.SeedStatic(ctx, []StaticClient{{Name: "no id"}}))
	assert.Error(t, registry.SeedStatic(ctx, []StaticClient{{ID: "confidential-no-secret"}}))
}

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()

	valid := []string{
		"https://app.tasklane.dev/callback",
		"http://127.0.0.1/callback",
		"http://127.0.0.1:8080/callback",
		"http://[::1]:8080/callback",
		"http://localhost/callback",
	}
	for _, uri := range valid {
		assert.Nil(t, ValidateRedirectURI(uri), uri)
	}

	invalid := []string{
		"",
		"not a uri at all\x7f",
		"/relative/path",
		"http://example.com/callback",
		"ftp://example.com/callback",
		"https://example.com/cb#fragment",
	}
	for _, uri := range invalid {
		assert.NotNil(t, ValidateRedirectURI(uri), uri)
	}
}
