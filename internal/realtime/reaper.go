package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultReapInterval = 5 * time.Second

type ReaperConfig struct {
	Store    Store
	Interval time.Duration
	Logger   *zap.Logger
}

// Reaper is the disconnect detector: it fires the directives of connections whose
// heartbeat expired.
type Reaper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: cfg.Store, interval: interval, logger: logger}, nil
}

// Sweep reaps every expired connection once and returns how many were reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.ExpiredConnections(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, connectionID := range expired {
		if err := r.store.FireDisconnect(ctx, connectionID); err != nil {
			r.logger.Warn("disconnect directives failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
			continue
		}
		if err := r.store.Forget(ctx, connectionID); err != nil {
			r.logger.Warn("connection cleanup failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("reaped dropped connections", zap.Int("count", reaped))
	}
	return reaped, nil
}

// Run sweeps on the configured interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reaper sweep failed", zap.Error(err))
			}
		}
	}
}
