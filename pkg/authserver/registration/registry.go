// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// DefaultScopes are granted to clients that do not request specific scopes.
var DefaultScopes = []string{"openid", "profile", "email"}

const clientSecretBytes = 32

// ClientStore is the slice of storage the registry needs.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (fosite.Client, error)
	RegisterClient(ctx context.Context, client fosite.Client) error
}

// StaticClient is a pre-provisioned first-party client from configuration.
type StaticClient struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Secret       string   `mapstructure:"secret"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
	Scopes       []string `mapstructure:"scopes"`
	Public       bool     `mapstructure:"public"`
	Trusted      bool     `mapstructure:"trusted"`
}

// Registry resolves and registers OAuth clients.
type Registry struct {
	store  ClientStore
	logger *slog.Logger
}

// NewRegistry creates a client registry over the given store.
func NewRegistry(store ClientStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Resolve looks up a client by ID.
func (r *Registry) Resolve(ctx context.Context, clientID string) (fosite.Client, error) {
	return r.store.GetClient(ctx, clientID)
}

// SeedStatic registers the configured first-party clients at startup.
// Confidential client secrets arrive in plaintext from configuration and
// are hashed before storage.
func (r *Registry) SeedStatic(ctx context.Context, clients []StaticClient) error {
	for _, sc := range clients {
		if sc.ID == "" {
			return fmt.Errorf("static client is missing an id")
		}
		if !sc.Public && sc.Secret == "" {
			return fmt.Errorf("confidential static client %s is missing a secret", sc.ID)
		}

		var hashedSecret []byte
		if !sc.Public {
			var err error
			hashedSecret, err = bcrypt.GenerateFromPassword([]byte(sc.Secret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash secret for client %s: %w", sc.ID, err)
			}
		}

		scopes := sc.Scopes
		if len(scopes) == 0 {
			scopes = DefaultScopes
		}

		client := &storage.Client{
			DefaultClient: &fosite.DefaultClient{
				ID:            sc.ID,
				Secret:        hashedSecret,
				RedirectURIs:  sc.RedirectURIs,
				ResponseTypes: []string{"code"},
				GrantTypes:    []string{"authorization_code", "refresh_token"},
				Scopes:        scopes,
				Public:        sc.Public,
			},
			Trusted: sc.Trusted,
			Name:    sc.Name,
		}
		if err := r.store.RegisterClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register static client %s: %w", sc.ID, err)
		}
		r.logger.Info("registered static client",
			"client_id", sc.ID, "public", sc.Public, "trusted", sc.Trusted)
	}
	return nil
}

// Register handles a dynamic registration request. A *DCRError reports a
// protocol-level rejection; error reports an internal failure.
func (r *Registry) Register(ctx context.Context, req *DCRRequest) (*DCRResponse, *DCRError, error) {
	validated, dcrErr := ValidateDCRRequest(req)
	if dcrErr != nil {
		return nil, dcrErr, nil
	}

	clientID := uuid.NewString()
	public := validated.TokenEndpointAuthMethod == "none"

	var plainSecret string
	var hashedSecret []byte
	if !public {
		buf := make([]byte, clientSecretBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		plainSecret = base64.RawURLEncoding.EncodeToString(buf)
		var err error
		hashedSecret, err = bcrypt.GenerateFromPassword([]byte(plainSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
	}

	scopes := DefaultScopes
	if validated.Scope != "" {
		scopes = strings.Fields(validated.Scope)
	}

	client := &storage.Client{
		DefaultClient: &fosite.DefaultClient{
			ID:            clientID,
			Secret:        hashedSecret,
			RedirectURIs:  validated.RedirectURIs,
			ResponseTypes: validated.ResponseTypes,
			GrantTypes:    validated.GrantTypes,
			Scopes:        scopes,
			Public:        public,
		},
		// Dynamic clients always go through consent.
		Trusted: false,
		Name:    validated.ClientName,
	}
	if err := r.store.RegisterClient(ctx, client); err != nil {
		return nil, nil, fmt.Errorf("failed to register client: %w", err)
	}

	r.logger.Info("registered dynamic client",
		"client_id", clientID, "client_name", validated.ClientName, "public", public)

	return &DCRResponse{
		ClientID:                clientID,
		ClientSecret:            plainSecret,
		ClientIDIssuedAt:        time.Now().Unix(),
		RedirectURIs:            validated.RedirectURIs,
		ClientName:              validated.ClientName,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		Scope:                   strings.Join(scopes, " "),
	}, nil, nil
}
