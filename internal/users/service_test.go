package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestEnsureProfileCreatesOnce(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}

	profile, err := service.EnsureProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if profile.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", profile.UserID)
	}
	if !profile.Created {
		t.Fatalf("expected first call to create the profile")
	}

	claims.UserDisplayName = "Renamed User"
	profile, err = service.EnsureProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if profile.Created {
		t.Fatalf("expected second call to reuse the profile")
	}
	if profile.DisplayName != "Renamed User" {
		t.Fatalf("expected display name refresh, got %q", profile.DisplayName)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one identity row, got %d", count)
	}
}

func TestResolveUserIDUsesBareIdentifier(t *testing.T) {
	service, _ := newTestService(t)
	claims := auth.SessionClaims{UserID: "user-7"}

	userID, err := service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "user-7" {
		t.Fatalf("unexpected user id %q", userID)
	}

	// second call is served from the cache and stays stable.
	userID, err = service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "user-7" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
}

func TestEnsureProfileRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.EnsureProfile(context.Background(), auth.SessionClaims{}); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}

func TestResolveUserIDDoesNotCreateProfile(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{UserID: "google:777"}

	userID, err := service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "777" {
		t.Fatalf("unexpected user id %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("resolve must not persist a profile, found %d rows", count)
	}

	profile, err := service.EnsureProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !profile.Created || profile.UserID != userID.String() {
		t.Fatalf("expected ensure to create the resolved profile, got %+v", profile)
	}
}
