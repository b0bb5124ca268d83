package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"go.uber.org/zap"
)

// Collection holds one record per online user, keyed by user id.
const Collection = "presence"

var (
	// ErrInvalidRecord reports a presence record without a user id.
	ErrInvalidRecord = errors.New("presence: user id is required")

	errMissingFeed = errors.New("presence: realtime feed is required")
)

// Record is one online user.
type Record struct {
	UserID        string `json:"userId"`
	DisplayHandle string `json:"displayHandle"`
	AvatarRef     string `json:"avatarRef,omitempty"`
}

// Session is the connection a user joins through.
type Session interface {
	Write(ctx context.Context, collection, key string, value any) error
	Remove(ctx context.Context, collection, key string) error
	RemoveOnDisconnect(ctx context.Context, collection, key string) error
	CancelOnDisconnect(ctx context.Context, collection, key string) error
}

// Feed reads and watches realtime collections.
type Feed interface {
	Subscribe(ctx context.Context, collection string, onChange func([]realtime.Record)) (*realtime.Subscription, error)
}

type Config struct {
	Feed   Feed
	Logger *zap.Logger
}

// Service maintains the online roster.
type Service struct {
	feed   Feed
	logger *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{feed: cfg.Feed, logger: logger}, nil
}

// Join publishes record for the session's user. The removal directive is armed before the
// record is written so that a crash at any point never leaves a record without cleanup.
func (s *Service) Join(ctx context.Context, session Session, record Record) error {
	record.UserID = strings.TrimSpace(record.UserID)
	if record.UserID == "" {
		return ErrInvalidRecord
	}
	record.DisplayHandle = strings.TrimSpace(record.DisplayHandle)
	if record.DisplayHandle == "" {
		record.DisplayHandle = record.UserID
	}

	if err := session.RemoveOnDisconnect(ctx, Collection, record.UserID); err != nil {
		return fmt.Errorf("presence: arm disconnect for %s: %w", record.UserID, err)
	}
	if err := session.Write(ctx, Collection, record.UserID, record); err != nil {
		return fmt.Errorf("presence: write %s: %w", record.UserID, err)
	}
	s.logger.Debug("presence joined", zap.String("user_id", record.UserID))
	return nil
}

// Leave removes the user's record directly instead of waiting for disconnect detection.
func (s *Service) Leave(ctx context.Context, session Session, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidRecord
	}
	if err := session.Remove(ctx, Collection, userID); err != nil {
		return fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	if err := session.CancelOnDisconnect(ctx, Collection, userID); err != nil {
		return fmt.Errorf("presence: cancel disconnect for %s: %w", userID, err)
	}
	s.logger.Debug("presence left", zap.String("user_id", userID))
	return nil
}

// Watch delivers the full roster on subscribe and after every roster mutation.
func (s *Service) Watch(ctx context.Context, onRoster func([]Record)) (*realtime.Subscription, error) {
	return s.feed.Subscribe(ctx, Collection, func(records []realtime.Record) {
		onRoster(s.Roster(records))
	})
}

// Roster decodes a presence snapshot ordered by display handle, then user id.
func (s *Service) Roster(records []realtime.Record) []Record {
	roster := make([]Record, 0, len(records))
	for _, raw := range records {
		var record Record
		if err := raw.Decode(&record); err != nil {
			s.logger.Warn("skipping undecodable presence record", zap.String("key", raw.Key), zap.Error(err))
			continue
		}
		// the key is authoritative for identity
		record.UserID = raw.Key
		roster = append(roster, record)
	}
	sort.Slice(roster, func(i, j int) bool {
		left := strings.ToLower(roster[i].DisplayHandle)
		right := strings.ToLower(roster[j].DisplayHandle)
		if left != right {
			return left < right
		}
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}
