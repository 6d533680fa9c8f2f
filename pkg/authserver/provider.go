// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/ory/fosite/handler/oauth2"

	"github.com/tasklane/identity/pkg/authserver/keys"
)

// OAuth2Config wraps fosite.Config with the key manager that supplies the
// current signing key per signature.
type OAuth2Config struct {
	*fosite.Config

	Keys *keys.Manager
}

// NewOAuth2Config builds the fosite configuration from the service config.
func NewOAuth2Config(cfg *Config, keyManager *keys.Manager) *OAuth2Config {
	return &OAuth2Config{
		Config: &fosite.Config{
			AccessTokenIssuer:     cfg.Issuer,
			AccessTokenLifespan:   cfg.AccessTokenLifespan,
			RefreshTokenLifespan:  cfg.RefreshTokenLifespan,
			AuthorizeCodeLifespan: cfg.AuthCodeLifespan,
			GlobalSecret:          []byte(cfg.HMACSecret),
			TokenURL:              cfg.Issuer + "/oauth2/token",
			// Refresh tokens follow the client's refresh_token grant, not
			// an offline scope. Empty disables fosite's scope gate.
			RefreshTokenScopes: []string{},
		},
		Keys: keyManager,
	}
}

// NewProvider composes the fosite OAuth2 provider with the authorization
// code, refresh token, and PKCE handlers. The returned CoreStrategy is
// shared with the device grant so device tokens are signed and formatted
// identically to browser-flow tokens.
//
// The key getter resolves the manager's current signing key on every
// signature, so rotation takes effect without recomposition: new tokens
// carry the new kid while the JWKS keeps serving the old public key
// through the grace period.
func NewProvider(oauth2Config *OAuth2Config, store fosite.Storage) (fosite.OAuth2Provider, oauth2.CoreStrategy) {
	keyGetter := func(ctx context.Context) (interface{}, error) {
		return oauth2Config.Keys.SigningKey(ctx)
	}

	jwtStrategy := compose.NewOAuth2JWTStrategy(
		keyGetter,
		compose.NewOAuth2HMACStrategy(oauth2Config.Config),
		oauth2Config.Config,
	)

	provider := compose.Compose(
		oauth2Config.Config,
		store,
		&compose.CommonStrategy{CoreStrategy: jwtStrategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
	)

	return provider, jwtStrategy
}
