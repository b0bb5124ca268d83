package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps session claims to canonical user profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service. The schema is migrated by the database package.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Resolve returns the profile for the provided session claims, creating it on first sight
// and refreshing the handle and avatar when the claims carry newer values.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, userID := deriveProviderSubject(claims)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	handle := handleFor(claims.UserDisplayName, claims.UserEmail, userID)
	avatar := normalize(claims.UserAvatarURL)

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok && profile.DisplayHandle == handle && (avatar == "" || avatar == profile.AvatarRef) {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:        userID,
			Provider:      provider,
			Email:         normalize(claims.UserEmail),
			DisplayHandle: handle,
			AvatarRef:     avatar,
			LastSeenAt:    s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
			updates["user_email"] = email
			profile.Email = email
		}
		if handle != profile.DisplayHandle {
			updates["display_handle"] = handle
			profile.DisplayHandle = handle
		}
		if avatar != "" && avatar != profile.AvatarRef {
			updates["avatar_ref"] = avatar
			profile.AvatarRef = avatar
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// Lookup returns a stored profile by canonical id.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}
	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return Profile{}, err
	}
	s.cache.Store(userID, profile)
	return profile, nil
}

// deriveProviderSubject strips a "provider:" prefix from the user id so the same student
// keeps one canonical id across login providers.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
