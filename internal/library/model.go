package library

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLength = 190

// ErrInvalidCategory indicates that a category name is empty or exceeds storage bounds.
var ErrInvalidCategory = errors.New("library: invalid category")

// CategoryName represents a validated category name.
type CategoryName string

// NewCategoryName validates raw input and returns a CategoryName.
func NewCategoryName(rawInput string) (CategoryName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCategory)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCategory, maxNameLength)
	}
	return CategoryName(trimmed), nil
}

func (name CategoryName) String() string {
	return string(name)
}

// Category is a named video collection. Topic is the discovery query used to fill it.
type Category struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	Topic            string `gorm:"column:topic;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "library_categories"
}

// CategoryVideo is one promoted video inside a category.
type CategoryVideo struct {
	Category       string `gorm:"column:category;primaryKey;size:190;not null;index:idx_category_videos_added,priority:1"`
	VideoID        string `gorm:"column:video_id;primaryKey;size:32;not null"`
	Title          string `gorm:"column:title;type:text;not null;default:''"`
	DurationLabel  string `gorm:"column:duration_label;size:32;not null;default:''"`
	ThumbnailURL   string `gorm:"column:thumbnail_url;type:text;not null;default:''"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null;index:idx_category_videos_added,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CategoryVideo) TableName() string {
	return "library_category_videos"
}

// DefaultCategories are seeded on first start.
func DefaultCategories() []Category {
	return []Category{
		{Name: "Inteligência Artificial", Topic: "Inteligência Artificial"},
		{Name: "Marketing Digital", Topic: "Marketing Digital"},
	}
}
