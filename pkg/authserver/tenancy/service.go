// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package tenancy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// DefaultOrganizationSlug is the slug of the platform-wide default
// organization unless configured otherwise.
const DefaultOrganizationSlug = "tasklane"

// Service manages organizations and the active-organization state of
// login sessions.
type Service struct {
	store  storage.TenantStorage
	logger *slog.Logger

	mu           sync.RWMutex
	defaultOrgID string
}

// NewService creates a tenancy service over the given storage.
func NewService(store storage.TenantStorage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// EnsureDefaultOrganization resolves the platform default organization at
// startup, creating it when absent, and caches its ID. Must be called
// before serving; the cached ID is read-mostly afterwards.
func (s *Service) EnsureDefaultOrganization(ctx context.Context, name, slug string) (string, error) {
	if slug == "" {
		slug = DefaultOrganizationSlug
	}
	if name == "" {
		name = "Tasklane"
	}

	org, err := s.store.GetOrganizationBySlug(ctx, slug)
	if err == nil {
		s.setDefaultOrgID(org.ID)
		return org.ID, nil
	}

	org = &storage.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		// Another instance may have created it between the read and write.
		if existing, lookupErr := s.store.GetOrganizationBySlug(ctx, slug); lookupErr == nil {
			s.setDefaultOrgID(existing.ID)
			return existing.ID, nil
		}
		return "", fmt.Errorf("failed to create default organization: %w", err)
	}

	s.logger.Info("created default organization", "org_id", org.ID, "slug", slug)
	s.setDefaultOrgID(org.ID)
	return org.ID, nil
}

// DefaultOrganizationID returns the cached default organization ID, empty
// until EnsureDefaultOrganization has run.
func (s *Service) DefaultOrganizationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultOrgID
}

func (s *Service) setDefaultOrgID(id string) {
	s.mu.Lock()
	s.defaultOrgID = id
	s.mu.Unlock()
}

// CreateOrganization creates an organization with the creating user as its
// first owner.
func (s *Service) CreateOrganization(ctx context.Context, ownerID, name, slug string) (*storage.Organization, error) {
	slug = normalizeSlug(slug)
	if slug == "" {
		return nil, fmt.Errorf("organization slug is required")
	}

	now := time.Now()
	org := &storage.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	if err := s.store.AddMembership(ctx, &storage.Membership{
		OrganizationID: org.ID,
		UserID:         ownerID,
		Role:           storage.RoleOwner,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("failed to add owner membership: %w", err)
	}

	s.logger.Info("created organization", "org_id", org.ID, "slug", slug, "owner_id", ownerID)
	return org, nil
}

// SwitchOrganization sets the active organization on a login session. The
// membership check and the write are a single atomic operation in storage;
// storage.ErrNotAMember is returned when the session's user does not
// belong to the target organization. An empty orgID clears the hint.
//
// The switch takes effect on the next claims resolution. Tokens issued
// before the switch keep their tenant until they expire.
func (s *Service) SwitchOrganization(ctx context.Context, loginSessionID, orgID string) error {
	if err := s.store.SetActiveOrganization(ctx, loginSessionID, orgID); err != nil {
		return err
	}
	s.logger.Info("switched active organization", "session_id", loginSessionID, "org_id", orgID)
	return nil
}

// JoinOrganization adds a user to an organization with the given role,
// updating the role in place if the membership already exists.
func (s *Service) JoinOrganization(ctx context.Context, userID, orgID string, role storage.MembershipRole) error {
	return s.store.AddMembership(ctx, &storage.Membership{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now(),
	})
}

// LeaveOrganization removes a user's membership. Storage rejects removing
// an organization's last owner with storage.ErrLastOwner; ownership must
// be transferred first.
func (s *Service) LeaveOrganization(ctx context.Context, userID, orgID string) error {
	return s.store.RemoveMembership(ctx, orgID, userID)
}

func normalizeSlug(slug string) string {
	slug = strings.ToLower(strings.TrimSpace(slug))
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
