package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, newID func() (string, error)) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
		NewID: newID,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestRegisterAnonymousCreatesDistinctUsers(t *testing.T) {
	service, db := newTestService(t, nil)

	first, err := service.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	second, err := service.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if first.UserID == second.UserID {
		t.Fatalf("expected distinct user ids, got %q twice", first.UserID)
	}
	if first.Provider != ProviderAnonymous {
		t.Fatalf("unexpected provider %q", first.Provider)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two identities, got %d", count)
	}
}

func TestResolveUserIDKnownAndUnknown(t *testing.T) {
	service, _ := newTestService(t, func() (string, error) { return "fixed-subject", nil })

	identity, err := service.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if identity.UserID != "anonymous-fixed-subject" {
		t.Fatalf("unexpected user id %q", identity.UserID)
	}

	// a fresh service has an empty cache and must hit the database.
	fresh, err := NewService(ServiceConfig{Database: service.db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	userID, err := fresh.ResolveUserID(context.Background(), identity.UserID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != identity.UserID {
		t.Fatalf("expected %q, got %q", identity.UserID, userID)
	}

	if _, err := fresh.ResolveUserID(context.Background(), "anonymous-ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected unknown identity, got %v", err)
	}
	if _, err := fresh.ResolveUserID(context.Background(), " "); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestRegisterAnonymousReportsIDFailure(t *testing.T) {
	service, _ := newTestService(t, func() (string, error) { return "", errors.New("no entropy") })
	if _, err := service.RegisterAnonymous(context.Background()); err == nil {
		t.Fatal("expected id generation failure")
	}
}
