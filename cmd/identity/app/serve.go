// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasklane/identity/pkg/authserver"
	"github.com/tasklane/identity/pkg/authserver/credentials"
	"github.com/tasklane/identity/pkg/authserver/crypto"
	"github.com/tasklane/identity/pkg/authserver/device"
	"github.com/tasklane/identity/pkg/authserver/handlers"
	"github.com/tasklane/identity/pkg/authserver/keys"
	"github.com/tasklane/identity/pkg/authserver/metrics"
	"github.com/tasklane/identity/pkg/authserver/ratelimit"
	"github.com/tasklane/identity/pkg/authserver/registration"
	"github.com/tasklane/identity/pkg/authserver/storage"
	"github.com/tasklane/identity/pkg/authserver/tenancy"
	"github.com/tasklane/identity/pkg/notify"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identity provider",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Capabilities.Metrics {
		metrics.Init()
	}

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	masterKey, err := cfg.DecodeMasterKey()
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(masterKey)
	if err != nil {
		return fmt.Errorf("failed to create key sealer: %w", err)
	}

	keyManager := keys.NewManager(store, sealer, keyManagerOptions(cfg, logger)...)
	if err := keyManager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	oauth2Config := authserver.NewOAuth2Config(cfg, keyManager)
	provider, coreStrategy := authserver.NewProvider(oauth2Config, store)

	verifier := credentials.NewVerifier()
	resolver := tenancy.NewResolver(store, logger)
	tenants := tenancy.NewService(store, logger)

	orgName, orgSlug := cfg.DefaultOrg.Name, cfg.DefaultOrg.Slug
	if orgSlug == "" {
		orgName, orgSlug = "Tasklane", tenancy.DefaultOrganizationSlug
	}
	if _, err := tenants.EnsureDefaultOrganization(ctx, orgName, orgSlug); err != nil {
		return fmt.Errorf("failed to ensure default organization: %w", err)
	}

	registry := registration.NewRegistry(store, logger)
	if err := registry.SeedStatic(ctx, cfg.Clients); err != nil {
		return fmt.Errorf("failed to seed static clients: %w", err)
	}

	if err := seedUsers(ctx, cfg, store, verifier, tenants, logger); err != nil {
		return err
	}

	idTokens := authserver.NewIDTokenSigner(cfg.Issuer, keyManager)

	var deviceSvc *device.Service
	if cfg.Capabilities.DeviceGrant {
		issuer := authserver.NewDeviceTokenIssuer(coreStrategy, store, resolver, idTokens, cfg)
		deviceSvc = device.NewService(store, issuer, cfg.Issuer+"/device", cfg.DeviceClients,
			device.WithLogger(logger))
	}

	notifier := notify.NewNotifier(logSender(logger), notify.WithLogger(logger))
	defer notifier.Close()

	handler := handlers.NewHandler(handlers.Deps{
		Config:   cfg,
		Provider: provider,
		Storage:  store,
		Keys:     keyManager,
		Verifier: verifier,
		Resolver: resolver,
		Tenants:  tenants,
		Registry: registry,
		IDTokens: idTokens,
		Limiter:  ratelimit.NewLimiter(store, logger),
		Device:   deviceSvc,
		Notifier: notifier,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("identity provider listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return keyManager.Run(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStorage(ctx context.Context, cfg *authserver.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "redis":
		store, err := storage.NewRedisStorage(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis storage: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}

func keyManagerOptions(cfg *authserver.Config, logger *slog.Logger) []keys.ManagerOption {
	opts := []keys.ManagerOption{keys.WithManagerLogger(logger)}
	if cfg.KeyRotationPeriod > 0 {
		opts = append(opts, keys.WithRotationPeriod(cfg.KeyRotationPeriod))
	}
	if cfg.KeyGracePeriod > 0 {
		opts = append(opts, keys.WithGracePeriod(cfg.KeyGracePeriod))
	}
	return opts
}

// seedUsers creates development accounts that do not yet exist and
// joins them to the default organization.
func seedUsers(
	ctx context.Context,
	cfg *authserver.Config,
	store storage.Storage,
	verifier *credentials.Verifier,
	tenants *tenancy.Service,
	logger *slog.Logger,
) error {
	for _, seed := range cfg.SeedUsers {
		if _, err := store.GetUserByEmail(ctx, seed.Email); err == nil {
			continue
		}

		hash, scheme, err := verifier.Hash(seed.Password)
		if err != nil {
			return fmt.Errorf("failed to hash seed password for %s: %w", seed.Email, err)
		}

		user := &storage.User{
			ID:            uuid.NewString(),
			Email:         seed.Email,
			EmailVerified: true,
			Name:          seed.Name,
			PasswordHash:  hash,
			HashScheme:    scheme,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("failed to create seed user %s: %w", seed.Email, err)
		}
		if err := tenants.JoinOrganization(ctx, user.ID, tenants.DefaultOrganizationID(), storage.RoleMember); err != nil {
			return fmt.Errorf("failed to join seed user to default org: %w", err)
		}
		logger.Info("created seed user", "email", seed.Email)
	}
	return nil
}

// logSender is the default notification sender: structured log lines
// instead of real delivery. Deployments plug a real sender in here.
func logSender(logger *slog.Logger) notify.Sender {
	return notify.SenderFunc(func(_ context.Context, msg notify.Message) error {
		logger.Info("notification",
			"kind", string(msg.Kind), "recipient", msg.Recipient)
		return nil
	})
}
