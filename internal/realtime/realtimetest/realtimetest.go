// Package realtimetest builds realtime clients backed by a throwaway sqlite store.
package realtimetest

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/sqlstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// DisconnectTimeout is the heartbeat expiry used by fixtures.
const DisconnectTimeout = 30 * time.Second

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Fixture bundles a client with the reaper and clock of its store.
type Fixture struct {
	Client *realtime.Client
	Store  *sqlstore.Store
	Reaper *realtime.Reaper
	Clock  *Clock
}

// ExpireDropped advances past the disconnect timeout and sweeps once.
func (f Fixture) ExpireDropped(t *testing.T) int {
	t.Helper()
	f.Clock.Advance(DisconnectTimeout + time.Second)
	reaped, err := f.Reaper.Sweep(t.Context())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	return reaped
}

// New returns a fixture whose connections only heartbeat on Connect, so advancing the
// clock past DisconnectTimeout expires every connection not explicitly refreshed.
func New(t *testing.T) Fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(sqlstore.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := NewClock()
	store, err := sqlstore.New(sqlstore.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	client, err := realtime.NewClient(realtime.ClientConfig{
		Store:             store,
		DisconnectTimeout: DisconnectTimeout,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	reaper, err := realtime.NewReaper(realtime.ReaperConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build reaper: %v", err)
	}
	return Fixture{Client: client, Store: store, Reaper: reaper, Clock: clock}
}

// Snapshots collects subscription callbacks for assertions.
type Snapshots[T any] struct {
	ch chan T
}

func NewSnapshots[T any]() *Snapshots[T] {
	return &Snapshots[T]{ch: make(chan T, 128)}
}

// Record is the subscription callback.
func (s *Snapshots[T]) Record(value T) {
	s.ch <- value
}

// WaitFor returns the first delivered value matching predicate.
func (s *Snapshots[T]) WaitFor(t *testing.T, predicate func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case value := <-s.ch:
			if predicate(value) {
				return value
			}
		case <-deadline:
			t.Fatal("expected matching snapshot within deadline")
			var zero T
			return zero
		}
	}
}
