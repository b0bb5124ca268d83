package typing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"go.uber.org/zap"
)

const (
	// Collection holds one record per user currently typing.
	Collection = "typing"

	DefaultIdleTimeout = 2000 * time.Millisecond
	eventBufferSize    = 64
)

var (
	// ErrStopped reports an event sent to a coordinator that is not running.
	ErrStopped = errors.New("typing: coordinator stopped")

	errMissingWriter = errors.New("typing: writer is required")
	errMissingFeed   = errors.New("typing: realtime feed is required")
	errMissingUser   = errors.New("typing: user id is required")
)

// Writer is the connection typing records are written through. Records are armed for
// removal on disconnect so a crashed process never leaves users typing forever.
type Writer interface {
	Write(ctx context.Context, collection, key string, value any) error
	Remove(ctx context.Context, collection, key string) error
	RemoveOnDisconnect(ctx context.Context, collection, key string) error
	CancelOnDisconnect(ctx context.Context, collection, key string) error
}

// Feed watches realtime collections.
type Feed interface {
	Subscribe(ctx context.Context, collection string, onChange func([]realtime.Record)) (*realtime.Subscription, error)
}

// Record marks a user as typing.
type Record struct {
	UserID string `json:"userId"`
}

type Config struct {
	Writer      Writer
	Feed        Feed
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type eventKind int

const (
	eventInput eventKind = iota
	eventSubmit
	eventExpire
)

type event struct {
	kind       eventKind
	userID     string
	generation uint64
}

type userState struct {
	typing     bool
	generation uint64
	timer      *time.Timer
}

// Coordinator debounces keystrokes into typing records. All state lives in the Run loop:
// at most one record write happens per IDLE to TYPING transition, however fast the user
// types, and the record is removed once input pauses for the idle timeout or on submit.
type Coordinator struct {
	writer      Writer
	feed        Feed
	idleTimeout time.Duration
	logger      *zap.Logger

	events  chan event
	stopped chan struct{}
	// owned by Run; unique across users and incarnations of a user's state
	generation uint64
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		writer:      cfg.Writer,
		feed:        cfg.Feed,
		idleTimeout: timeout,
		logger:      logger,
		events:      make(chan event, eventBufferSize),
		stopped:     make(chan struct{}),
	}, nil
}

// OnInput reports a keystroke by userID.
func (c *Coordinator) OnInput(ctx context.Context, userID string) error {
	return c.send(ctx, eventInput, userID)
}

// SetTyping forces the user's state; false behaves like Submit.
func (c *Coordinator) SetTyping(ctx context.Context, userID string, isTyping bool) error {
	if isTyping {
		return c.send(ctx, eventInput, userID)
	}
	return c.send(ctx, eventSubmit, userID)
}

// Submit clears the user's typing state, typically because a message was sent.
func (c *Coordinator) Submit(ctx context.Context, userID string) error {
	return c.send(ctx, eventSubmit, userID)
}

func (c *Coordinator) send(ctx context.Context, kind eventKind, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errMissingUser
	}
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.events <- event{kind: kind, userID: userID}:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx ends. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	states := make(map[string]*userState)
	defer func() {
		for _, state := range states {
			if state.timer != nil {
				state.timer.Stop()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			state := states[ev.userID]
			if state == nil {
				state = &userState{}
				states[ev.userID] = state
			}
			switch ev.kind {
			case eventInput:
				c.handleInput(ctx, ev.userID, state)
			case eventSubmit:
				c.goIdle(ctx, ev.userID, state)
			case eventExpire:
				// a newer keystroke or a submit superseded this timer
				if state.typing && ev.generation == state.generation {
					c.goIdle(ctx, ev.userID, state)
				}
			}
			if !state.typing {
				delete(states, ev.userID)
			}
		}
	}
}

func (c *Coordinator) handleInput(ctx context.Context, userID string, state *userState) {
	if !state.typing {
		if err := c.writer.RemoveOnDisconnect(ctx, Collection, userID); err != nil {
			c.logger.Warn("typing directive failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if err := c.writer.Write(ctx, Collection, userID, Record{UserID: userID}); err != nil {
			c.logger.Warn("typing write failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		state.typing = true
	}
	c.restartTimer(ctx, userID, state)
}

func (c *Coordinator) restartTimer(ctx context.Context, userID string, state *userState) {
	if state.timer != nil {
		state.timer.Stop()
	}
	c.generation++
	state.generation = c.generation
	generation := state.generation
	state.timer = time.AfterFunc(c.idleTimeout, func() {
		select {
		case c.events <- event{kind: eventExpire, userID: userID, generation: generation}:
		case <-ctx.Done():
		}
	})
}

func (c *Coordinator) goIdle(ctx context.Context, userID string, state *userState) {
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.generation = 0
	if !state.typing {
		return
	}
	state.typing = false
	if err := c.writer.Remove(ctx, Collection, userID); err != nil {
		c.logger.Warn("typing removal failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := c.writer.CancelOnDisconnect(ctx, Collection, userID); err != nil {
		c.logger.Warn("typing directive cancel failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Watch delivers the sorted ids of users currently typing on subscribe and after every
// change.
func (c *Coordinator) Watch(ctx context.Context, onTypists func([]string)) (*realtime.Subscription, error) {
	return c.feed.Subscribe(ctx, Collection, func(records []realtime.Record) {
		onTypists(Typists(records))
	})
}

// Typists extracts the sorted user ids from a typing snapshot.
func Typists(records []realtime.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.Key)
	}
	sort.Strings(ids)
	return ids
}
