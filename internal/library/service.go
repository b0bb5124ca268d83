package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/video"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownCategory reports a category that has not been created.
	ErrUnknownCategory = errors.New("library: unknown category")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "library.service.new"
	opEnsureCategories = "library.ensure_categories"
	opListCategories   = "library.list_categories"
	opGetCategory      = "library.get_category"
	opPromote          = "library.promote"
	opExistingIDs      = "library.existing_ids"
	opListVideos       = "library.list_videos"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists category collections.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnsureCategories creates any missing categories and leaves existing ones untouched.
func (s *Service) EnsureCategories(ctx context.Context, categories []Category) error {
	now := s.clock().UTC().Unix()
	for _, category := range categories {
		name, err := NewCategoryName(category.Name)
		if err != nil {
			return newServiceError(opEnsureCategories, "invalid_name", err)
		}
		record := Category{Name: name.String(), Topic: category.Topic, CreatedAtSeconds: now}
		if record.Topic == "" {
			record.Topic = record.Name
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&record).Error; err != nil {
			s.logError(opEnsureCategories, "insert_failed", err, zap.String("category", record.Name))
			return newServiceError(opEnsureCategories, "insert_failed", err)
		}
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		s.logError(opListCategories, "query_failed", err)
		return nil, newServiceError(opListCategories, "query_failed", err)
	}
	return categories, nil
}

func (s *Service) Category(ctx context.Context, name CategoryName) (Category, error) {
	var category Category
	err := s.db.WithContext(ctx).Where("name = ?", name.String()).Take(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Category{}, newServiceError(opGetCategory, "not_found", ErrUnknownCategory)
	}
	if err != nil {
		s.logError(opGetCategory, "query_failed", err, zap.String("category", name.String()))
		return Category{}, newServiceError(opGetCategory, "query_failed", err)
	}
	return category, nil
}

// ExistingIDs returns every video id already held by the category.
func (s *Service) ExistingIDs(ctx context.Context, name CategoryName) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&CategoryVideo{}).
		Where("category = ?", name.String()).
		Pluck("video_id", &ids).Error; err != nil {
		s.logError(opExistingIDs, "query_failed", err, zap.String("category", name.String()))
		return nil, newServiceError(opExistingIDs, "query_failed", err)
	}
	return ids, nil
}

// ListVideos returns the category's videos, newest first.
func (s *Service) ListVideos(ctx context.Context, name CategoryName) ([]CategoryVideo, error) {
	var videos []CategoryVideo
	if err := s.db.WithContext(ctx).
		Where("category = ?", name.String()).
		Order("added_at_s DESC").
		Order("video_id ASC").
		Find(&videos).Error; err != nil {
		s.logError(opListVideos, "query_failed", err, zap.String("category", name.String()))
		return nil, newServiceError(opListVideos, "query_failed", err)
	}
	return videos, nil
}

// Promote stores the candidates not yet present in the category and returns those that
// were actually inserted.
func (s *Service) Promote(ctx context.Context, name CategoryName, candidates []video.Candidate) ([]CategoryVideo, error) {
	if _, err := s.Category(ctx, name); err != nil {
		return nil, err
	}

	addedAt := s.clock().UTC().Unix()
	promoted := make([]CategoryVideo, 0, len(candidates))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, candidate := range candidates {
			if err := video.ValidateID(candidate.PlatformID); err != nil {
				s.loggerOrDefault().Debug("skipping invalid candidate", zap.Error(err))
				continue
			}
			record := CategoryVideo{
				Category:       name.String(),
				VideoID:        candidate.PlatformID,
				Title:          candidate.Title,
				DurationLabel:  candidate.DurationLabel,
				ThumbnailURL:   candidate.ThumbnailURL,
				AddedAtSeconds: addedAt,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if result.Error != nil {
				s.logError(opPromote, "insert_failed", result.Error,
					zap.String("category", name.String()),
					zap.String("video_id", candidate.PlatformID))
				return newServiceError(opPromote, "insert_failed", result.Error)
			}
			if result.RowsAffected > 0 {
				promoted = append(promoted, record)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return promoted, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("library service error", attrs...)
}
