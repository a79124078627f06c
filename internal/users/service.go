package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownIdentity indicates a well-formed token for a user this store never registered.
	ErrUnknownIdentity = errors.New("users: unknown identity")
)

const queryProviderSubject = "provider = ? AND subject = ?"

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Service manages anonymous user identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() (string, error)
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			identifier, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return identifier.String(), nil
		}
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		newID: newID,
	}, nil
}

// RegisterAnonymous creates a fresh anonymous identity. Every call yields a new user.
func (s *Service) RegisterAnonymous(ctx context.Context) (Identity, error) {
	subject, err := s.newID()
	if err != nil {
		return Identity{}, fmt.Errorf("users: generate subject: %w", err)
	}
	subject = normalize(subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}
	identity := Identity{
		Provider:   ProviderAnonymous,
		Subject:    subject,
		UserID:     ProviderAnonymous + "-" + subject,
		LastSeenAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return Identity{}, err
	}
	s.cache.Store(identity.UserID, identity.UserID)
	return identity, nil
}

// ResolveUserID confirms that userID belongs to a registered anonymous identity and
// records the visit.
func (s *Service) ResolveUserID(ctx context.Context, userID string) (string, error) {
	normalized := normalize(userID)
	if normalized == "" {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(normalized); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalized).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownIdentity
	}
	if err != nil {
		return "", err
	}
	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where(queryProviderSubject, identity.Provider, identity.Subject).
		Update("last_seen_at", s.now().UTC()).
		Error

	s.cache.Store(normalized, identity.UserID)
	return identity.UserID, nil
}
