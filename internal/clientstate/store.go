// Package clientstate keeps the small amount of state a client remembers between runs.
package clientstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/database"
	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	accountUserIDKey    = "account:user_id"
	accountTokenKey     = "account:access_token"
	accountExpiresAtKey = "account:expires_at"
)

var errEmptyKey = errors.New("clientstate: key is required")

// Entry is one remembered value.
type Entry struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "client_state"
}

// Store is a SQLite backed identity.KeyValueStore.
type Store struct {
	db *gorm.DB
}

var _ identity.KeyValueStore = (*Store)(nil)

// Open opens or creates the state file at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := database.Open(path, logger, &Entry{})
	if err != nil {
		return nil, fmt.Errorf("clientstate: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// New wraps an already migrated handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the stored value and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, errEmptyKey
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errEmptyKey
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Entry{Key: key, Value: value}).Error
}

// Remove forgets key. Removing an absent key succeeds.
func (s *Store) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return errEmptyKey
	}
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&Entry{}).Error
}

// SaveAccount remembers an anonymous session.
func (s *Store) SaveAccount(ctx context.Context, account identity.Account) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &Store{db: tx}
		if err := txStore.Set(ctx, accountUserIDKey, account.UserID); err != nil {
			return err
		}
		if err := txStore.Set(ctx, accountTokenKey, account.AccessToken); err != nil {
			return err
		}
		return txStore.Set(ctx, accountExpiresAtKey, account.ExpiresAt.UTC().Format(time.RFC3339))
	})
}

// LoadAccount returns the remembered session, if any.
func (s *Store) LoadAccount(ctx context.Context) (identity.Account, bool, error) {
	userID, ok, err := s.Get(ctx, accountUserIDKey)
	if err != nil || !ok {
		return identity.Account{}, false, err
	}
	token, ok, err := s.Get(ctx, accountTokenKey)
	if err != nil || !ok {
		return identity.Account{}, false, err
	}
	account := identity.Account{UserID: userID, AccessToken: token}
	if raw, ok, err := s.Get(ctx, accountExpiresAtKey); err != nil {
		return identity.Account{}, false, err
	} else if ok {
		if expiresAt, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			account.ExpiresAt = expiresAt
		}
	}
	return account, true, nil
}
