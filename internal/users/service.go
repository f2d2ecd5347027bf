// Package users caches the signed-in user's identity and profile for offline use.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/auth"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
)

const (
	// KeyUser stores the cached identity.
	KeyUser = "offline_user"
	// KeyProfile stores the cached profile.
	KeyProfile = "offline_profile"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the profile cache.
type ServiceConfig struct {
	Store storage.Store
	Clock func() time.Time
}

// Service keeps the current user's identity and profile in memory and in the store.
type Service struct {
	store storage.Store
	now   func() time.Time

	mu       sync.RWMutex
	identity *Identity
	profile  *offers.Profile
	loaded   bool
}

// NewService constructs the profile cache.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: cfg.Store, now: clock}, nil
}

// RememberClaims records the identity carried by an access token.
func (s *Service) RememberClaims(ctx context.Context, claims auth.AccessClaims) (Identity, error) {
	userID, err := offers.NewUserID(claims.UserID())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	identity := Identity{
		UserID:     userID.String(),
		Email:      normalize(claims.Email),
		LastSeenAt: s.now().UTC(),
	}
	if err := s.store.Set(ctx, KeyUser, identity); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	s.identity = &identity
	s.mu.Unlock()
	return identity, nil
}

// RememberProfile stores the user's own profile.
func (s *Service) RememberProfile(ctx context.Context, profile offers.Profile) error {
	profile.FirstName = normalize(profile.FirstName)
	profile.LastName = normalize(profile.LastName)
	if err := s.store.Set(ctx, KeyProfile, profile); err != nil {
		return err
	}
	s.mu.Lock()
	s.profile = &profile
	s.mu.Unlock()
	return nil
}

// Identity returns the cached identity.
func (s *Service) Identity(ctx context.Context) (Identity, bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Identity{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false, nil
	}
	return *s.identity, true, nil
}

// Profile returns a copy of the cached profile, or nil when none is known.
func (s *Service) Profile(ctx context.Context) (*offers.Profile, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil, nil
	}
	copied := *s.profile
	return &copied, nil
}

// Forget removes the cached identity and profile.
func (s *Service) Forget(ctx context.Context) error {
	if err := s.store.Apply(ctx, storage.Delete(KeyUser), storage.Delete(KeyProfile)); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = nil
	s.profile = nil
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	identity, foundIdentity, err := storage.Load[Identity](ctx, s.store, KeyUser)
	if err != nil {
		return err
	}
	profile, foundProfile, err := storage.Load[offers.Profile](ctx, s.store, KeyProfile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	if foundIdentity && s.identity == nil {
		s.identity = &identity
	}
	if foundProfile && s.profile == nil {
		s.profile = &profile
	}
	s.loaded = true
	return nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
