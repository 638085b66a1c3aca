package cv

import (
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("record-%d", p.next), nil
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   mustDatabase(t),
		Clock:      clock,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
