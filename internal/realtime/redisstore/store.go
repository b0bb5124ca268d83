package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix     = "rt:"
	directiveSep      = "\x1f"
	watchBufferSize   = 16
	heartbeatSentinel = "1"
)

var errMissingClient = errors.New("redisstore: redis client is required")

// KEYS: owners hash, directives set of the arming connection.
// ARGV: directive member, connection id, directives key prefix.
var armScript = redis.NewScript(`
local previous = redis.call('HGET', KEYS[1], ARGV[1])
if previous and previous ~= ARGV[2] then
	redis.call('SREM', ARGV[3] .. previous, ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS: owners hash, directives set. ARGV: directive member, connection id.
var disarmScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return 1
`)

// KEYS: owners hash, collection data hash. ARGV: directive member, connection id, record key.
var fireScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
return redis.call('HDEL', KEYS[2], ARGV[3])
`)

type Config struct {
	Client redis.UniversalClient
	// Prefix namespaces every key and channel; defaults to "rt:".
	Prefix string
	Logger *zap.Logger
}

// Store keeps realtime collections in redis hashes and fans changes out over pub/sub, so
// clients in different processes observe each other's writes. Server timestamps come from
// the redis TIME command.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ realtime.Store = (*Store)(nil)

type envelope struct {
	Value     json.RawMessage `json:"v"`
	Timestamp int64           `json:"ts"`
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: cfg.Client, prefix: prefix, logger: logger}, nil
}

func (s *Store) dataKey(collection string) string {
	return s.prefix + "data:" + collection
}

func (s *Store) directivesPrefix() string {
	return s.prefix + "directives:"
}

func (s *Store) directivesKey(connectionID string) string {
	return s.directivesPrefix() + connectionID
}

func (s *Store) ownersKey() string {
	return s.prefix + "owners"
}

func (s *Store) heartbeatKey(connectionID string) string {
	return s.prefix + "conn:" + connectionID
}

func (s *Store) connectionsKey() string {
	return s.prefix + "connections"
}

func (s *Store) channel(collection string) string {
	return s.prefix + "changes:" + collection
}

func (s *Store) serverTime(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redisstore: time: %w", err)
	}
	return now.UTC(), nil
}

func (s *Store) write(ctx context.Context, collection, key string, value json.RawMessage, at time.Time) error {
	encoded, err := json.Marshal(envelope{Value: value, Timestamp: at.UnixMilli()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(collection), key, encoded)
		pipe.Publish(ctx, s.channel(collection), at.UnixMilli())
		return nil
	})
	return err
}

func (s *Store) Put(ctx context.Context, collection, key string, value json.RawMessage) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	now, err := s.serverTime(ctx)
	if err != nil {
		return err
	}
	if err := s.write(ctx, collection, key, value, now); err != nil {
		return fmt.Errorf("redisstore: put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, collection string, value json.RawMessage) (realtime.Record, error) {
	if collection == "" {
		return realtime.Record{}, realtime.ErrInvalidPath
	}
	now, err := s.serverTime(ctx)
	if err != nil {
		return realtime.Record{}, err
	}
	key := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	if err := s.write(ctx, collection, key, value, now); err != nil {
		return realtime.Record{}, fmt.Errorf("redisstore: append %s: %w", collection, err)
	}
	return realtime.Record{
		Collection:      collection,
		Key:             key,
		Value:           value,
		ServerTimestamp: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	removed, err := s.client.HDel(ctx, s.dataKey(collection), key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: delete %s/%s: %w", collection, key, err)
	}
	if removed > 0 {
		s.notify(ctx, collection)
	}
	return nil
}

func (s *Store) notify(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, s.channel(collection), time.Now().UnixMilli()).Err(); err != nil {
		s.logger.Warn("change notification failed", zap.String("collection", collection), zap.Error(err))
	}
}

func (s *Store) List(ctx context.Context, collection string) ([]realtime.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.dataKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s: %w", collection, err)
	}
	records := make([]realtime.Record, 0, len(fields))
	for key, raw := range fields {
		var stored envelope
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.logger.Warn("skipping undecodable record",
				zap.String("collection", collection),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		records = append(records, realtime.Record{
			Collection:      collection,
			Key:             key,
			Value:           stored.Value,
			ServerTimestamp: time.UnixMilli(stored.Timestamp).UTC(),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].ServerTimestamp.Equal(records[j].ServerTimestamp) {
			return records[i].ServerTimestamp.Before(records[j].ServerTimestamp)
		}
		return records[i].Key < records[j].Key
	})
	return records, nil
}

func (s *Store) Watch(ctx context.Context, collection string) (<-chan realtime.Change, func(), error) {
	if collection == "" {
		return nil, nil, realtime.ErrInvalidPath
	}
	pubsub := s.client.Subscribe(ctx, s.channel(collection))
	// wait for the subscription to be confirmed so no later write is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redisstore: watch %s: %w", collection, err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	messages := pubsub.Channel()
	out := make(chan realtime.Change, watchBufferSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cleanup()
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- realtime.Change{Collection: collection, At: time.Now().UTC()}:
				default:
				}
			}
		}
	}()
	return out, cleanup, nil
}

func directiveMember(collection, key string) string {
	return collection + directiveSep + key
}

func (s *Store) ArmDisconnect(ctx context.Context, connectionID, collection, key string) error {
	if err := realtime.ValidatePath(collection, key); err != nil {
		return err
	}
	keys := []string{s.ownersKey(), s.directivesKey(connectionID)}
	if err := armScript.Run(ctx, s.client, keys, directiveMember(collection, key), connectionID, s.directivesPrefix()).Err(); err != nil {
		return fmt.Errorf("redisstore: arm %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) DisarmDisconnect(ctx context.Context, connectionID, collection, key string) error {
	keys := []string{s.ownersKey(), s.directivesKey(connectionID)}
	if err := disarmScript.Run(ctx, s.client, keys, directiveMember(collection, key), connectionID).Err(); err != nil {
		return fmt.Errorf("redisstore: disarm %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, connectionID string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.heartbeatKey(connectionID), heartbeatSentinel, ttl)
		pipe.SAdd(ctx, s.connectionsKey(), connectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: heartbeat %s: %w", connectionID, err)
	}
	return nil
}

func (s *Store) ExpiredConnections(ctx context.Context) ([]string, error) {
	known, err := s.client.SMembers(ctx, s.connectionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: expired connections: %w", err)
	}
	if len(known) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(known))
	for index, connectionID := range known {
		checks[index] = pipe.Exists(ctx, s.heartbeatKey(connectionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: expired connections: %w", err)
	}
	expired := make([]string, 0)
	for index, check := range checks {
		if check.Val() == 0 {
			expired = append(expired, known[index])
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *Store) FireDisconnect(ctx context.Context, connectionID string) error {
	members, err := s.client.SMembers(ctx, s.directivesKey(connectionID)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: fire disconnect %s: %w", connectionID, err)
	}
	touched := make(map[string]struct{})
	for _, member := range members {
		collection, key, ok := strings.Cut(member, directiveSep)
		if !ok {
			continue
		}
		keys := []string{s.ownersKey(), s.dataKey(collection)}
		removed, err := fireScript.Run(ctx, s.client, keys, member, connectionID, key).Int64()
		if err != nil {
			return fmt.Errorf("redisstore: fire disconnect %s: %w", connectionID, err)
		}
		if removed > 0 {
			touched[collection] = struct{}{}
		}
	}
	if err := s.client.Del(ctx, s.directivesKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("redisstore: fire disconnect %s: %w", connectionID, err)
	}
	for collection := range touched {
		s.notify(ctx, collection)
	}
	return nil
}

func (s *Store) Forget(ctx context.Context, connectionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.heartbeatKey(connectionID))
		pipe.SRem(ctx, s.connectionsKey(), connectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: forget %s: %w", connectionID, err)
	}
	return nil
}
