package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/video"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "library.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Category{}, &CategoryVideo{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if err := service.EnsureCategories(context.Background(), DefaultCategories()); err != nil {
		t.Fatalf("failed to seed categories: %v", err)
	}
	return service
}

func mustCategory(t *testing.T, value string) CategoryName {
	t.Helper()
	name, err := NewCategoryName(value)
	if err != nil {
		t.Fatalf("unexpected category error: %v", err)
	}
	return name
}

func candidate(index int) video.Candidate {
	id := fmt.Sprintf("lib%08d", index)
	return video.Candidate{PlatformID: id, Title: "Video " + id, DurationLabel: "1:00"}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "library.service.new.missing_database" {
		t.Fatalf("expected missing database service error, got %v", err)
	}
}

func TestEnsureCategoriesIsIdempotent(t *testing.T) {
	service := newTestService(t)
	if err := service.EnsureCategories(context.Background(), DefaultCategories()); err != nil {
		t.Fatalf("unexpected error re-seeding: %v", err)
	}
	categories, err := service.ListCategories(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("expected two seeded categories, got %d", len(categories))
	}
	if categories[0].Name != "Inteligência Artificial" || categories[1].Name != "Marketing Digital" {
		t.Fatalf("unexpected categories %+v", categories)
	}
}

func TestPromoteSkipsDuplicates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	name := mustCategory(t, "Marketing Digital")

	first, err := service.Promote(ctx, name, []video.Candidate{candidate(1), candidate(2)})
	if err != nil {
		t.Fatalf("unexpected promote error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected two promoted videos, got %d", len(first))
	}

	second, err := service.Promote(ctx, name, []video.Candidate{candidate(2), candidate(3), candidate(3), {PlatformID: "bad"}})
	if err != nil {
		t.Fatalf("unexpected promote error: %v", err)
	}
	if len(second) != 1 || second[0].VideoID != candidate(3).PlatformID {
		t.Fatalf("expected only the new id to be promoted, got %+v", second)
	}

	ids, err := service.ExistingIDs(ctx, name)
	if err != nil {
		t.Fatalf("unexpected existing ids error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected three stored ids, got %v", ids)
	}

	videos, err := service.ListVideos(ctx, name)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(videos) != 3 || videos[0].Title == "" {
		t.Fatalf("unexpected videos %+v", videos)
	}
}

func TestPromoteUnknownCategory(t *testing.T) {
	service := newTestService(t)
	_, err := service.Promote(context.Background(), mustCategory(t, "Culinária"), []video.Candidate{candidate(1)})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestNewCategoryNameRejectsBlank(t *testing.T) {
	if _, err := NewCategoryName("   "); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}
