package servicemode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode records whether external AI calls are live or simulated.
type Mode int

const (
	ModeLive Mode = iota
	ModeSimulated
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSimulated:
		return "simulated"
	default:
		return "unknown"
	}
}

// Reason explains why the mode changed.
type Reason string

const (
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonMissingCredential Reason = "missing_credential"
	ReasonProbeSucceeded    Reason = "probe_succeeded"
)

// Transition is published to subscribers on every mode change.
type Transition struct {
	From   Mode
	To     Mode
	Reason Reason
	At     time.Time
}

// Config configures the breaker. HalfOpenAfter of zero keeps a tripped state for the
// lifetime of the process.
type Config struct {
	HalfOpenAfter time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// State is the shared breaker consulted by every gateway call before dispatch.
type State struct {
	mu            sync.Mutex
	mode          Mode
	reason        Reason
	trippedAt     time.Time
	probing       bool
	halfOpenAfter time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	subscribersMu sync.RWMutex
	subscribers   map[int64]chan Transition
	nextID        int64
}

func New(cfg Config) *State {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	halfOpenAfter := cfg.HalfOpenAfter
	if halfOpenAfter < 0 {
		halfOpenAfter = 0
	}
	return &State{
		mode:          ModeLive,
		halfOpenAfter: halfOpenAfter,
		clock:         clock,
		logger:        logger,
		subscribers:   make(map[int64]chan Transition),
	}
}

// Current returns the mode as of now.
func (s *State) Current() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Reason returns the reason for the most recent transition.
func (s *State) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Trip moves the state to simulated. Tripping an already simulated state only restarts
// the half-open timer and does not publish a second transition.
func (s *State) Trip(reason Reason) {
	s.mu.Lock()
	previous := s.mode
	s.mode = ModeSimulated
	s.trippedAt = s.clock()
	s.probing = false
	if previous == ModeSimulated && s.reason == ReasonMissingCredential {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	at := s.trippedAt
	s.mu.Unlock()

	if previous == ModeSimulated {
		return
	}
	s.logger.Warn("ai service mode degraded",
		zap.String("reason", string(reason)),
		zap.String("mode", ModeSimulated.String()))
	s.publish(Transition{From: previous, To: ModeSimulated, Reason: reason, At: at})
}

// AllowLive reports whether a live call may be dispatched. In simulated mode with a
// half-open policy, exactly one caller is admitted once the interval has elapsed.
func (s *State) AllowLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeLive {
		return true
	}
	if s.halfOpenAfter == 0 || s.reason == ReasonMissingCredential || s.probing {
		return false
	}
	if s.clock().Sub(s.trippedAt) < s.halfOpenAfter {
		return false
	}
	s.probing = true
	return true
}

// RecordSuccess closes the breaker after a successful half-open probe.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	if s.mode == ModeLive {
		s.mu.Unlock()
		return
	}
	s.mode = ModeLive
	s.reason = ReasonProbeSucceeded
	s.probing = false
	at := s.clock()
	s.mu.Unlock()

	s.logger.Info("ai service mode restored", zap.String("mode", ModeLive.String()))
	s.publish(Transition{From: ModeSimulated, To: ModeLive, Reason: ReasonProbeSucceeded, At: at})
}

// ReleaseProbe returns the half-open slot after a probe that failed for a reason
// unrelated to quota.
func (s *State) ReleaseProbe() {
	s.mu.Lock()
	s.probing = false
	s.mu.Unlock()
}

// Subscribe streams transitions until ctx is done or the cleanup func is called.
func (s *State) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	stream := make(chan Transition, 4)
	s.subscribersMu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.subscribersMu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.subscribersMu.Lock()
			delete(s.subscribers, id)
			s.subscribersMu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (s *State) publish(transition Transition) {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()
	for _, subscriber := range s.subscribers {
		select {
		case subscriber <- transition:
		default:
		}
	}
}
