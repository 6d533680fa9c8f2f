// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"

	"github.com/tasklane/identity/pkg/authserver/storage"
	"github.com/tasklane/identity/pkg/authserver/tenancy"
)

// DeviceTokenIssuer mints tokens for approved device authorizations
// through the same fosite core strategy as the browser flows, so device
// tokens are indistinguishable from authorization-code tokens on the
// wire and against introspection.
type DeviceTokenIssuer struct {
	strategy oauth2.CoreStrategy
	store    storage.Storage
	resolver *tenancy.Resolver
	idTokens *IDTokenSigner
	config   *Config
}

// NewDeviceTokenIssuer creates a device token issuer.
func NewDeviceTokenIssuer(
	strategy oauth2.CoreStrategy,
	store storage.Storage,
	resolver *tenancy.Resolver,
	idTokens *IDTokenSigner,
	config *Config,
) *DeviceTokenIssuer {
	return &DeviceTokenIssuer{
		strategy: strategy,
		store:    store,
		resolver: resolver,
		idTokens: idTokens,
		config:   config,
	}
}

// IssueForDeviceGrant mints the token response for an approved device
// authorization. Claims are resolved for the approving user at issuance
// time; there is no login session to bind, so tsid is absent and refresh
// grants for this chain resolve against first-membership order.
func (i *DeviceTokenIssuer) IssueForDeviceGrant(
	ctx context.Context,
	da *storage.DeviceAuthorization,
) (map[string]any, error) {
	client, err := i.store.GetClient(ctx, da.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device client: %w", err)
	}

	claims, err := i.resolver.Resolve(ctx, da.UserID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve claims: %w", err)
	}

	sess := NewSession(da.UserID, "", da.ClientID, claims.ToMap())
	now := time.Now()
	sess.SetExpiresAt(fosite.AccessToken, now.Add(i.config.AccessTokenLifespan))
	sess.SetExpiresAt(fosite.RefreshToken, now.Add(i.config.RefreshTokenLifespan))

	request := fosite.NewRequest()
	request.ID = uuid.NewString()
	request.Client = client
	request.Session = sess
	request.RequestedScope = fosite.Arguments(da.Scopes)
	request.GrantedScope = fosite.Arguments(da.Scopes)

	accessToken, accessSignature, err := i.strategy.GenerateAccessToken(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	if err := i.store.CreateAccessTokenSession(ctx, accessSignature, request); err != nil {
		return nil, fmt.Errorf("failed to store access token session: %w", err)
	}

	response := map[string]any{
		"access_token": accessToken,
		"token_type":   "bearer",
		"expires_in":   int64(i.config.AccessTokenLifespan.Seconds()),
		"scope":        strings.Join(da.Scopes, " "),
	}

	if client.GetGrantTypes().Has("refresh_token") {
		refreshToken, refreshSignature, err := i.strategy.GenerateRefreshToken(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		if err := i.store.CreateRefreshTokenSession(ctx, refreshSignature, accessSignature, request); err != nil {
			return nil, fmt.Errorf("failed to store refresh token session: %w", err)
		}
		response["refresh_token"] = refreshToken
	}

	if fosite.Arguments(da.Scopes).Has("openid") {
		idToken, err := i.idTokens.Sign(ctx, da.UserID, da.ClientID, claims.ToMap())
		if err != nil {
			return nil, fmt.Errorf("failed to sign ID token: %w", err)
		}
		response["id_token"] = idToken
	}

	return response, nil
}
