package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/pkg/fallback"
)

// DefaultLookupTimeout bounds secondary profile lookups.
const DefaultLookupTimeout = 2 * time.Second

type Service struct {
	profiles      ProfileRepository
	lookupTimeout time.Duration
	logger        zerolog.Logger
}

func NewService(profiles ProfileRepository, logger zerolog.Logger, lookupTimeout time.Duration) *Service {
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	return &Service{
		profiles:      profiles,
		lookupTimeout: lookupTimeout,
		logger:        logger.With().Str("component", "identity").Logger(),
	}
}

func (s *Service) GetProfile(ctx context.Context, r role.Role, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if !r.Valid() {
		return nil, fmt.Errorf("unknown role %q", r)
	}
	return s.profiles.Get(ctx, r, userID)
}

// ProfileOrDefault races the profile lookup against the lookup timeout. A
// slow, missing or failing lookup yields DefaultProfile and fromFallback.
func (s *Service) ProfileOrDefault(ctx context.Context, r role.Role, userID, email string) (p *Profile, fromFallback bool) {
	def := DefaultProfile(r, userID, email)

	p, timedOut, err := fallback.Race(ctx, s.lookupTimeout, func(ctx context.Context) (*Profile, error) {
		return s.GetProfile(ctx, r, userID)
	}, def)

	switch {
	case timedOut:
		s.logger.Warn().Str("role", string(r)).Str("user_id", userID).Dur("timeout", s.lookupTimeout).Msg("profile lookup timed out, using defaults")
		return def, true
	case errors.Is(err, ErrNotFound):
		s.logger.Info().Str("role", string(r)).Str("user_id", userID).Msg("profile not found, using defaults")
		return def, true
	case err != nil:
		s.logger.Warn().Err(err).Str("role", string(r)).Str("user_id", userID).Msg("profile lookup failed, using defaults")
		return def, true
	}
	return p, false
}

// Dashboard is the data a role's landing page needs.
type Dashboard struct {
	Role            role.Role    `json:"role"`
	Roles           role.RoleSet `json:"roles"`
	Profile         *Profile     `json:"profile"`
	DisplayName     string       `json:"display_name"`
	NeedsOnboarding bool         `json:"needs_onboarding"`
	Fallback        bool         `json:"fallback"`
}

func (s *Service) Dashboard(ctx context.Context, r role.Role, rs role.RoleSet, userID, email string) *Dashboard {
	p, fb := s.ProfileOrDefault(ctx, r, userID, email)
	return &Dashboard{
		Role:            r,
		Roles:           rs,
		Profile:         p,
		DisplayName:     p.DisplayName(),
		NeedsOnboarding: !fb && p.NeedsOnboarding(),
		Fallback:        fb,
	}
}
