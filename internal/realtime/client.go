package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultDisconnectTimeout = 30 * time.Second

var errMissingStore = errors.New("realtime: store is required")

type ClientConfig struct {
	Store             Store
	DisconnectTimeout time.Duration
	// HeartbeatInterval defaults to a third of DisconnectTimeout.
	HeartbeatInterval time.Duration
	IDProvider        func() string
	Logger            *zap.Logger
}

// Client is the realtime document client shared by presence, typing and chat.
type Client struct {
	store             Store
	disconnectTimeout time.Duration
	heartbeatInterval time.Duration
	newID             func() string
	logger            *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	timeout := cfg.DisconnectTimeout
	if timeout <= 0 {
		timeout = defaultDisconnectTimeout
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = timeout / 3
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		store:             cfg.Store,
		disconnectTimeout: timeout,
		heartbeatInterval: interval,
		newID:             newID,
		logger:            logger,
	}, nil
}

// Store exposes the underlying substrate.
func (c *Client) Store() Store {
	return c.store
}

// Connect opens a connection that stays alive while ctx is live and heartbeats succeed.
// When ctx ends without Close the connection is treated as dropped: its disconnect
// directives fire once the reaper sees the heartbeat expire.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	id := c.newID()
	if err := c.store.Heartbeat(ctx, id, c.disconnectTimeout); err != nil {
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}

	heartbeatCtx, stop := context.WithCancel(ctx)
	conn := &Conn{
		id:     id,
		client: c,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go conn.heartbeat(heartbeatCtx)
	c.logger.Debug("realtime connection opened", zap.String("connection_id", id))
	return conn, nil
}

// List reads a collection once.
func (c *Client) List(ctx context.Context, collection string) ([]Record, error) {
	return c.store.List(ctx, collection)
}

// Subscribe delivers the full collection snapshot to onChange immediately and again after
// every mutation. Callbacks run sequentially on one goroutine.
func (c *Client) Subscribe(ctx context.Context, collection string, onChange func([]Record)) (*Subscription, error) {
	if collection == "" {
		return nil, ErrInvalidPath
	}
	subCtx, cancel := context.WithCancel(ctx)
	changes, cleanup, err := c.store.Watch(subCtx, collection)
	if err != nil {
		cancel()
		return nil, err
	}
	records, err := c.store.List(subCtx, collection)
	if err != nil {
		cleanup()
		cancel()
		return nil, err
	}
	onChange(records)

	subscription := &Subscription{cancel: cancel, cleanup: cleanup, done: make(chan struct{})}
	go func() {
		defer close(subscription.done)
		for range changes {
			drain(changes)
			records, err := c.store.List(subCtx, collection)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				c.logger.Warn("realtime snapshot read failed",
					zap.String("collection", collection),
					zap.Error(err))
				continue
			}
			onChange(records)
		}
	}()
	return subscription, nil
}

func drain(changes <-chan Change) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Subscription is a live snapshot feed.
type Subscription struct {
	cancel  context.CancelFunc
	cleanup func()
	done    chan struct{}
	once    sync.Once
}

// Close stops the feed and waits for any in-flight callback. It must not be called from
// inside the callback.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.cleanup()
	})
	<-s.done
}

// Conn is one client session. Records armed with RemoveOnDisconnect are deleted when the
// connection closes or its heartbeat expires.
type Conn struct {
	id     string
	client *Client
	stop   context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) heartbeat(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.client.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.store.Heartbeat(ctx, c.id, c.client.disconnectTimeout); err != nil && ctx.Err() == nil {
				c.client.logger.Warn("realtime heartbeat failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
		}
	}
}

func (c *Conn) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

// Write stores value under collection/key, replacing any previous value.
func (c *Conn) Write(ctx context.Context, collection, key string, value any) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := ValidatePath(collection, key); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("realtime: encode %s/%s: %w", collection, key, err)
	}
	return c.client.store.Put(ctx, collection, key, encoded)
}

// Append adds value under a store-assigned key and timestamp.
func (c *Conn) Append(ctx context.Context, collection string, value any) (Record, error) {
	if err := c.ensureOpen(); err != nil {
		return Record{}, err
	}
	if collection == "" {
		return Record{}, ErrInvalidPath
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("realtime: encode %s: %w", collection, err)
	}
	return c.client.store.Append(ctx, collection, encoded)
}

func (c *Conn) Remove(ctx context.Context, collection, key string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := ValidatePath(collection, key); err != nil {
		return err
	}
	return c.client.store.Delete(ctx, collection, key)
}

// RemoveOnDisconnect arms deletion of collection/key for when this connection ends.
func (c *Conn) RemoveOnDisconnect(ctx context.Context, collection, key string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := ValidatePath(collection, key); err != nil {
		return err
	}
	return c.client.store.ArmDisconnect(ctx, c.id, collection, key)
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, collection, key string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := ValidatePath(collection, key); err != nil {
		return err
	}
	return c.client.store.DisarmDisconnect(ctx, c.id, collection, key)
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Close ends the connection gracefully, firing its disconnect directives immediately.
func (c *Conn) Close(ctx context.Context) error {
	if !c.markClosed() {
		return nil
	}
	c.stop()
	<-c.done
	if err := c.client.store.FireDisconnect(ctx, c.id); err != nil {
		return fmt.Errorf("realtime: close %s: %w", c.id, err)
	}
	if err := c.client.store.Forget(ctx, c.id); err != nil {
		return fmt.Errorf("realtime: close %s: %w", c.id, err)
	}
	c.client.logger.Debug("realtime connection closed", zap.String("connection_id", c.id))
	return nil
}

// Drop simulates an abrupt disconnect: heartbeats stop and nothing else happens.
func (c *Conn) Drop() {
	if !c.markClosed() {
		return
	}
	c.stop()
	<-c.done
	c.client.logger.Debug("realtime connection dropped", zap.String("connection_id", c.id))
}
