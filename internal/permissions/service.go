package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
	"github.com/tecsuporte/helpdesk/internal/shared"
)

// AuditRecorder persists audit entries for administrative writes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// GrantInput is one requested module grant.
type GrantInput struct {
	Module string `json:"module" validate:"required"`
	Read   bool   `json:"read"`
	Edit   bool   `json:"edit"`
}

// Service manages permission profiles and their grants.
type Service struct {
	repo   AdminRepository
	audit  AuditRecorder
	events Publisher
	logger *slog.Logger
}

// NewService constructs a Service. audit and events may be nil.
func NewService(repo AdminRepository, audit AuditRecorder, events Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, events: events, logger: logger}
}

// ListProfiles returns all profiles ordered by name.
func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	return s.repo.ListProfiles(ctx)
}

// GetProfile returns a profile and its grants.
func (s *Service) GetProfile(ctx context.Context, id string) (ProfileDetail, error) {
	if !validID(id) {
		return ProfileDetail{}, ErrNotFound
	}
	var (
		profile *Profile
		grants  []Grant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.repo.GetProfile(gctx, id)
		profile = p
		return err
	})
	g.Go(func() error {
		rows, err := s.repo.ListGrants(gctx, id)
		grants = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return ProfileDetail{}, err
	}
	if profile == nil {
		return ProfileDetail{}, ErrNotFound
	}
	if grants == nil {
		grants = []Grant{}
	}
	return ProfileDetail{Profile: *profile, Grants: grants}, nil
}

// CreateProfile adds a new editable profile.
func (s *Service) CreateProfile(ctx context.Context, actorID string, in ProfileInput) (Profile, error) {
	in, err := normalizeProfileInput(in)
	if err != nil {
		return Profile{}, err
	}
	p, err := s.repo.CreateProfile(ctx, in)
	if err != nil {
		return Profile{}, err
	}
	s.record(ctx, actorID, "CREATE", p.ID, map[string]any{"name": p.Name, "is_admin": p.IsAdmin})
	return p, nil
}

// UpdateProfile rewrites an editable profile.
func (s *Service) UpdateProfile(ctx context.Context, actorID, id string, in ProfileInput) (Profile, error) {
	if !validID(id) {
		return Profile{}, ErrNotFound
	}
	in, err := normalizeProfileInput(in)
	if err != nil {
		return Profile{}, err
	}
	p, err := s.repo.UpdateProfile(ctx, id, in)
	if err != nil {
		return Profile{}, err
	}
	s.record(ctx, actorID, "UPDATE", p.ID, map[string]any{"name": p.Name, "is_admin": p.IsAdmin})
	s.publish(ctx, p.ID)
	return p, nil
}

// DeleteProfile removes an editable profile.
func (s *Service) DeleteProfile(ctx context.Context, actorID, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	if err := s.repo.DeleteProfile(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actorID, "DELETE", id, nil)
	s.publish(ctx, id)
	return nil
}

// SetGrants replaces the grants of a profile after normalising them.
func (s *Service) SetGrants(ctx context.Context, actorID, profileID string, in []GrantInput) ([]Grant, error) {
	if !validID(profileID) {
		return nil, ErrNotFound
	}
	grants, err := NormalizeGrants(profileID, in)
	if err != nil {
		return nil, err
	}
	stored, err := s.repo.ReplaceGrants(ctx, profileID, grants)
	if err != nil {
		return nil, err
	}
	modules := make([]string, 0, len(stored))
	for _, g := range stored {
		modules = append(modules, fmt.Sprintf("%s:%t/%t", g.Module, g.Read, g.Edit))
	}
	s.record(ctx, actorID, "SET_GRANTS", profileID, map[string]any{"grants": modules})
	s.publish(ctx, profileID)
	return stored, nil
}

// NormalizeGrants validates requested grants. Modules are resolved through
// ParseModule, duplicates are rejected, edit implies read, and rows granting
// nothing are dropped.
func NormalizeGrants(profileID string, in []GrantInput) ([]Grant, error) {
	seen := make(map[Module]struct{}, len(in))
	out := make([]Grant, 0, len(in))
	for _, g := range in {
		m, err := ParseModule(g.Module)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, g.Module)
		}
		if _, dup := seen[m]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, m)
		}
		seen[m] = struct{}{}
		read := g.Read || g.Edit
		if !read {
			continue
		}
		out = append(out, Grant{ProfileID: profileID, Module: m, Read: read, Edit: g.Edit})
	}
	return out, nil
}

func normalizeProfileInput(in ProfileInput) (ProfileInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return in, fmt.Errorf("%w: profile name required", httpx.ErrValidation)
	}
	if len(in.Name) > 120 {
		return in, fmt.Errorf("%w: profile name too long", httpx.ErrValidation)
	}
	return in, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Service) record(ctx context.Context, actorID, action, profileID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "permission_profiles",
		EntityID: profileID,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record permission audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, profileID string) {
	if s.events == nil {
		return
	}
	if err := s.events.ProfileChanged(ctx, profileID); err != nil {
		s.logger.Warn("publish profile change", slog.String("profile_id", profileID), slog.Any("error", err))
	}
}

// IsClientError reports whether err stems from bad input rather than a failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownModule) || errors.Is(err, ErrDuplicateModule) || errors.Is(err, httpx.ErrValidation)
}
