// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/registration"
	"github.com/tasklane/identity/pkg/authserver/storage"
)

// MinHMACSecretLength is the minimum length in bytes for the secret that
// signs opaque tokens (authorization codes, refresh tokens). 32 bytes per
// OWASP/NIST guidance.
const MinHMACSecretLength = 32

// Default token lifespans.
const (
	DefaultAccessTokenLifespan  = 6 * time.Hour
	DefaultRefreshTokenLifespan = 7 * 24 * time.Hour
	DefaultAuthCodeLifespan     = 10 * time.Minute
)

// Capabilities enumerates the optional surfaces of the server, resolved
// once at startup. A disabled capability's endpoints are never mounted.
type Capabilities struct {
	// DeviceGrant enables the RFC 8628 device authorization flow.
	DeviceGrant bool `mapstructure:"device_grant"`

	// DynamicRegistration enables RFC 7591 client registration.
	DynamicRegistration bool `mapstructure:"dynamic_registration"`

	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `mapstructure:"metrics"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "redis". Memory is single-instance only.
	Backend string `mapstructure:"backend"`

	Redis storage.RedisConfig `mapstructure:"redis"`
}

// DefaultOrgConfig names the platform default organization ensured at
// startup.
type DefaultOrgConfig struct {
	Name string `mapstructure:"name"`
	Slug string `mapstructure:"slug"`
}

// SeedUser is a development convenience: an account created at startup
// when it does not already exist, joined to the default organization.
type SeedUser struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// Config is the fully resolved configuration of the identity service.
type Config struct {
	// Issuer is the external base URL, used as the iss claim and to build
	// endpoint URLs in the discovery document.
	Issuer string `mapstructure:"issuer"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// HMACSecret signs opaque tokens. Must be identical on all replicas.
	HMACSecret string `mapstructure:"hmac_secret"`

	// MasterKey is the base64-encoded 32-byte key that seals signing
	// private keys at rest.
	MasterKey string `mapstructure:"master_key"`

	AccessTokenLifespan  time.Duration `mapstructure:"access_token_lifespan"`
	RefreshTokenLifespan time.Duration `mapstructure:"refresh_token_lifespan"`
	AuthCodeLifespan     time.Duration `mapstructure:"auth_code_lifespan"`

	KeyRotationPeriod time.Duration `mapstructure:"key_rotation_period"`
	KeyGracePeriod    time.Duration `mapstructure:"key_grace_period"`

	// SecureCookies switches session cookies to the __Secure- prefixed,
	// Secure-attribute form. On in any deployment behind TLS.
	SecureCookies bool `mapstructure:"secure_cookies"`

	Capabilities Capabilities `mapstructure:"capabilities"`

	// Clients are the static first-party OAuth clients.
	Clients []registration.StaticClient `mapstructure:"clients"`

	// DeviceClients is the allow-list of client IDs that may use the
	// device grant.
	DeviceClients []string `mapstructure:"device_clients"`

	Storage StorageConfig `mapstructure:"storage"`

	DefaultOrg DefaultOrgConfig `mapstructure:"default_org"`

	// SeedUsers are development accounts created at startup. Never set
	// in production.
	SeedUsers []SeedUser `mapstructure:"seed_users"`
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("hmac_secret must be at least %d bytes", MinHMACSecretLength)
	}

	masterKey, err := c.DecodeMasterKey()
	if err != nil {
		return err
	}
	if len(masterKey) != crypto.MasterKeySize {
		return fmt.Errorf("master_key must decode to %d bytes, got %d", crypto.MasterKeySize, len(masterKey))
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "redis":
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("storage.redis.addrs is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	for i, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("client %d: id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("client %s: at least one redirect_uri is required", client.ID)
		}
		if !client.Public && client.Secret == "" {
			return fmt.Errorf("client %s: secret is required for confidential clients", client.ID)
		}
	}

	if c.Capabilities.DeviceGrant && len(c.DeviceClients) == 0 {
		return fmt.Errorf("device grant is enabled but device_clients is empty")
	}

	return nil
}

// DecodeMasterKey decodes the sealing key from its base64 form.
func (c *Config) DecodeMasterKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master_key is not valid base64: %w", err)
	}
	return key, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
}
