package library

import (
	"context"
	"errors"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/video"
	"go.uber.org/zap"
)

const opRefresh = "library.refresh"

var errMissingDiscoverer = errors.New("discoverer is required")

// Discoverer finds candidates for a topic, skipping excluded ids.
type Discoverer interface {
	Discover(ctx context.Context, topic string, excludeIDs []string) ([]video.Candidate, error)
}

type RefresherConfig struct {
	Library    *Service
	Discoverer Discoverer
	Logger     *zap.Logger
}

// Refresher tops up every category with freshly discovered videos.
type Refresher struct {
	library    *Service
	discoverer Discoverer
	logger     *zap.Logger
}

// RefreshReport is the per-category outcome of a refresh.
type RefreshReport struct {
	Category   string `json:"category"`
	Discovered int    `json:"discovered"`
	Promoted   int    `json:"promoted"`
	Error      string `json:"error,omitempty"`
}

func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Library == nil {
		return nil, newServiceError(opRefresh, "missing_library", errMissingDatabase)
	}
	if cfg.Discoverer == nil {
		return nil, newServiceError(opRefresh, "missing_discoverer", errMissingDiscoverer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Refresher{library: cfg.Library, discoverer: cfg.Discoverer, logger: logger}, nil
}

// RefreshCategory discovers videos for one category and promotes the new ones.
func (r *Refresher) RefreshCategory(ctx context.Context, name CategoryName) (RefreshReport, error) {
	report := RefreshReport{Category: name.String()}

	category, err := r.library.Category(ctx, name)
	if err != nil {
		return report, err
	}
	existing, err := r.library.ExistingIDs(ctx, name)
	if err != nil {
		return report, err
	}
	candidates, err := r.discoverer.Discover(ctx, category.Topic, existing)
	if err != nil {
		return report, newServiceError(opRefresh, "discovery_failed", err)
	}
	report.Discovered = len(candidates)

	promoted, err := r.library.Promote(ctx, name, candidates)
	if err != nil {
		return report, err
	}
	report.Promoted = len(promoted)
	return report, nil
}

// RefreshAll refreshes every category. A failing category is reported and does not stop
// the others; only context cancellation aborts the run.
func (r *Refresher) RefreshAll(ctx context.Context) ([]RefreshReport, error) {
	categories, err := r.library.ListCategories(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]RefreshReport, 0, len(categories))
	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := r.RefreshCategory(ctx, CategoryName(category.Name))
		if err != nil {
			report.Error = err.Error()
			r.logger.Warn("category refresh failed",
				zap.String("operation", opRefresh),
				zap.String("category", category.Name),
				zap.Error(err))
		} else {
			r.logger.Info("category refreshed",
				zap.String("category", category.Name),
				zap.Int("discovered", report.Discovered),
				zap.Int("promoted", report.Promoted))
		}
		reports = append(reports, report)
	}
	return reports, nil
}
