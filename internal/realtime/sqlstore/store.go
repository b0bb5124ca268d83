package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("sqlstore: database handle is required")

type Config struct {
	Database *gorm.DB
	// Dispatcher carries change notifications; a fresh one is created when nil.
	Dispatcher *realtime.Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store keeps realtime collections in the relational database. Change notifications are
// in-process, so every client of one Store must live in the same process.
type Store struct {
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

var _ realtime.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, dispatcher: dispatcher, clock: clock, logger: logger}, nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) publish(collections ...string) {
	at := s.now()
	for _, collection := range collections {
		s.dispatcher.Publish(realtime.Change{Collection: collection, At: at})
	}
}

func (s *Store) Put(ctx context.Context, collection, key string, value json.RawMessage) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	row := recordRow{
		Collection:     collection,
		Key:            key,
		ValueJSON:      string(value),
		ServerTimeMsec: s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: put %s/%s: %w", collection, key, err)
	}
	s.publish(collection)
	return nil
}

func (s *Store) Append(ctx context.Context, collection string, value json.RawMessage) (realtime.Record, error) {
	if collection == "" {
		return realtime.Record{}, realtime.ErrInvalidPath
	}
	now := s.now()
	key := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	row := recordRow{
		Collection:     collection,
		Key:            key,
		ValueJSON:      string(value),
		ServerTimeMsec: now.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return realtime.Record{}, fmt.Errorf("sqlstore: append %s: %w", collection, err)
	}
	s.publish(collection)
	return row.toRecord(), nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("collection = ? AND record_key = ?", collection, key).
		Delete(&recordRow{})
	if result.Error != nil {
		return fmt.Errorf("sqlstore: delete %s/%s: %w", collection, key, result.Error)
	}
	if result.RowsAffected > 0 {
		s.publish(collection)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]realtime.Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("server_ts_ms ASC").
		Order("record_key ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list %s: %w", collection, err)
	}
	records := make([]realtime.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

func (s *Store) Watch(ctx context.Context, collection string) (<-chan realtime.Change, func(), error) {
	if collection == "" {
		return nil, nil, realtime.ErrInvalidPath
	}
	stream, cleanup := s.dispatcher.Subscribe(ctx, collection)
	return stream, cleanup, nil
}

func (s *Store) ArmDisconnect(ctx context.Context, connectionID, collection, key string) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	row := directiveRow{ConnectionID: connectionID, Collection: collection, Key: key}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ? AND record_key = ? AND connection_id <> ?", collection, key, connectionID).
			Delete(&directiveRow{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("sqlstore: arm %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) DisarmDisconnect(ctx context.Context, connectionID, collection, key string) error {
	if err := s.db.WithContext(ctx).
		Where("connection_id = ? AND collection = ? AND record_key = ?", connectionID, collection, key).
		Delete(&directiveRow{}).Error; err != nil {
		return fmt.Errorf("sqlstore: disarm %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, connectionID string, ttl time.Duration) error {
	row := connectionRow{
		ConnectionID:  connectionID,
		ExpiresAtMsec: s.now().Add(ttl).UnixMilli(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at_ms"}),
		}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: heartbeat %s: %w", connectionID, err)
	}
	return nil
}

func (s *Store) ExpiredConnections(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&connectionRow{}).
		Where("expires_at_ms < ?", s.now().UnixMilli()).
		Order("expires_at_ms ASC").
		Pluck("connection_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: expired connections: %w", err)
	}
	return ids, nil
}

func (s *Store) FireDisconnect(ctx context.Context, connectionID string) error {
	touched := make(map[string]struct{})
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var directives []directiveRow
		if err := tx.Where("connection_id = ?", connectionID).Find(&directives).Error; err != nil {
			return err
		}
		for _, directive := range directives {
			result := tx.Where("collection = ? AND record_key = ?", directive.Collection, directive.Key).
				Delete(&recordRow{})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				touched[directive.Collection] = struct{}{}
			}
		}
		return tx.Where("connection_id = ?", connectionID).Delete(&directiveRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("sqlstore: fire disconnect %s: %w", connectionID, err)
	}
	for collection := range touched {
		s.publish(collection)
	}
	if len(touched) > 0 {
		s.logger.Debug("disconnect directives fired", zap.String("connection_id", connectionID))
	}
	return nil
}

func (s *Store) Forget(ctx context.Context, connectionID string) error {
	if err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&connectionRow{}).Error; err != nil {
		return fmt.Errorf("sqlstore: forget %s: %w", connectionID, err)
	}
	return nil
}

func (row recordRow) toRecord() realtime.Record {
	return realtime.Record{
		Collection:      row.Collection,
		Key:             row.Key,
		Value:           json.RawMessage(row.ValueJSON),
		ServerTimestamp: time.UnixMilli(row.ServerTimeMsec).UTC(),
	}
}
