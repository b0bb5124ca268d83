package database

import (
	"context"
	"errors"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedLibraryCategories  = "2026-09-14_seed_library_categories"
	migrationBackfillCategoryTopics = "2026-10-02_backfill_category_topics"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedLibraryCategories, apply: seedLibraryCategories},
		{name: migrationBackfillCategoryTopics, apply: backfillCategoryTopics},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedLibraryCategories runs once so categories an operator later removes stay removed.
func seedLibraryCategories(db *gorm.DB) error {
	service, err := library.NewService(library.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	return service.EnsureCategories(context.Background(), library.DefaultCategories())
}

func backfillCategoryTopics(db *gorm.DB) error {
	return db.Model(&library.Category{}).
		Where("topic = ''").
		Update("topic", gorm.Expr("name")).Error
}
