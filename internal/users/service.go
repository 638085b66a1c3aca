package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns user profiles and the canonical ids CV records are keyed by.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveUserID returns the canonical user id for the session. It never
// writes; profiles are created by EnsureProfile.
func (s *Service) ResolveUserID(ctx context.Context, claims auth.SessionClaims) (cv.UserID, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(cv.UserID); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
	switch {
	case err == nil:
		userID := cv.UserID(identity.UserID)
		s.cache.Store(cacheKey, userID)
		return userID, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID, idErr := cv.NewUserID(subject)
		if idErr != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, idErr)
		}
		return userID, nil
	default:
		return "", err
	}
}

// EnsureProfile creates the profile for the session if it does not exist yet
// and refreshes its contact details otherwise.
func (s *Service) EnsureProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	userID, err := cv.NewUserID(subject)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	db := s.db.WithContext(ctx)
	created := false
	var identity Identity
	err = db.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      userID.String(),
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
		created = true
		s.logger.Info("user profile created", zap.String("user_id", identity.UserID), zap.String("provider", provider))
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("user profile refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(provider+":"+subject, cv.UserID(identity.UserID))
	return Profile{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Created:     created,
	}, nil
}

// deriveProviderSubject splits "provider:subject" user ids. Bare ids belong to
// the default provider.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
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
