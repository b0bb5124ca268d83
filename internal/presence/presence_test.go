package presence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/realtimetest"
)

type orderedSession struct {
	Session
	mu    sync.Mutex
	calls []string
}

func (s *orderedSession) note(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *orderedSession) Write(ctx context.Context, collection, key string, value any) error {
	s.note("write:" + key)
	return s.Session.Write(ctx, collection, key, value)
}

func (s *orderedSession) RemoveOnDisconnect(ctx context.Context, collection, key string) error {
	s.note("arm:" + key)
	return s.Session.RemoveOnDisconnect(ctx, collection, key)
}

type failingArmSession struct {
	Session
	writes int
}

func (s *failingArmSession) RemoveOnDisconnect(context.Context, string, string) error {
	return errors.New("backend unavailable")
}

func (s *failingArmSession) Write(context.Context, string, string, any) error {
	s.writes++
	return nil
}

func newTestService(t *testing.T) (*Service, realtimetest.Fixture) {
	t.Helper()
	fixture := realtimetest.New(t)
	service, err := NewService(Config{Feed: fixture.Client})
	if err != nil {
		t.Fatalf("failed to build presence service: %v", err)
	}
	return service, fixture
}

func connect(t *testing.T, fixture realtimetest.Fixture) *realtime.Conn {
	t.Helper()
	conn, err := fixture.Client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return conn
}

func rosterIDs(roster []Record) []string {
	ids := make([]string, 0, len(roster))
	for _, record := range roster {
		ids = append(ids, record.UserID)
	}
	return ids
}

func hasUsers(ids ...string) func([]Record) bool {
	return func(roster []Record) bool {
		got := rosterIDs(roster)
		if len(got) != len(ids) {
			return false
		}
		for index := range ids {
			if got[index] != ids[index] {
				return false
			}
		}
		return true
	}
}

func TestJoinArmsDisconnectBeforeWriting(t *testing.T) {
	service, fixture := newTestService(t)
	conn := connect(t, fixture)
	defer conn.Drop()

	session := &orderedSession{Session: conn}
	if err := service.Join(context.Background(), session, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(session.calls) != 2 || session.calls[0] != "arm:u1" || session.calls[1] != "write:u1" {
		t.Fatalf("expected arm before write, got %v", session.calls)
	}
}

func TestJoinDoesNotWriteWhenArmingFails(t *testing.T) {
	service, _ := newTestService(t)
	session := &failingArmSession{}

	if err := service.Join(context.Background(), session, Record{UserID: "u1"}); err == nil {
		t.Fatalf("expected join to fail")
	}
	if session.writes != 0 {
		t.Fatalf("record must not be written without an armed directive")
	}
}

func TestAbruptDisconnectRemovesRecord(t *testing.T) {
	service, fixture := newTestService(t)
	ctx := context.Background()

	snapshots := realtimetest.NewSnapshots[[]Record]()
	subscription, err := service.Watch(ctx, snapshots.Record)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer subscription.Close()

	ana := connect(t, fixture)
	bia := connect(t, fixture)
	defer func() { _ = bia.Close(ctx) }()

	if err := service.Join(ctx, ana, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := service.Join(ctx, bia, Record{UserID: "u2", DisplayHandle: "Bia"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	snapshots.WaitFor(t, hasUsers("u1", "u2"))

	ana.Drop()
	if err := fixture.Store.Heartbeat(ctx, bia.ID(), realtimetest.DisconnectTimeout*2); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if reaped := fixture.ExpireDropped(t); reaped != 1 {
		t.Fatalf("expected only the dropped connection to be reaped, got %d", reaped)
	}

	snapshots.WaitFor(t, hasUsers("u2"))
}

func TestReloadSurvivesExpiryOfPreviousConnection(t *testing.T) {
	service, fixture := newTestService(t)
	ctx := context.Background()

	first := connect(t, fixture)
	if err := service.Join(ctx, first, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	first.Drop()

	fixture.Clock.Advance(realtimetest.DisconnectTimeout / 2)
	second := connect(t, fixture)
	defer second.Drop()
	if err := service.Join(ctx, second, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if err := fixture.Store.Heartbeat(ctx, second.ID(), realtimetest.DisconnectTimeout*2); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if reaped := fixture.ExpireDropped(t); reaped != 1 {
		t.Fatalf("expected the dropped connection to be reaped, got %d", reaped)
	}

	records, err := fixture.Client.List(ctx, Collection)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !hasUsers("u1")(service.Roster(records)) {
		t.Fatalf("u1 is connected through the second session but was removed from the roster")
	}

	second.Drop()
	if err := fixture.Store.Heartbeat(ctx, second.ID(), 0); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	fixture.ExpireDropped(t)
	records, err = fixture.Client.List(ctx, Collection)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected the second session's drop to clear the record, got %v (%v)", records, err)
	}
}

func TestLeaveRemovesImmediatelyAndDisarms(t *testing.T) {
	service, fixture := newTestService(t)
	ctx := context.Background()
	conn := connect(t, fixture)

	if err := service.Join(ctx, conn, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := service.Leave(ctx, conn, "u1"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	records, err := fixture.Client.List(ctx, Collection)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty roster after leave, got %v (%v)", records, err)
	}

	// a later rejoin through another session must survive this session's disconnect
	other := connect(t, fixture)
	defer other.Drop()
	if err := service.Join(ctx, other, Record{UserID: "u1", DisplayHandle: "Ana"}); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	records, err = fixture.Client.List(ctx, Collection)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected rejoined record to survive, got %v (%v)", records, err)
	}
}

func TestRejoinKeepsOneRecordPerUser(t *testing.T) {
	service, fixture := newTestService(t)
	ctx := context.Background()
	first := connect(t, fixture)
	second := connect(t, fixture)
	defer first.Drop()
	defer second.Drop()

	if err := service.Join(ctx, first, Record{UserID: "u1", DisplayHandle: "Old"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := service.Join(ctx, second, Record{UserID: "u1", DisplayHandle: "New"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	records, err := fixture.Client.List(ctx, Collection)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	roster := service.Roster(records)
	if len(roster) != 1 || roster[0].DisplayHandle != "New" {
		t.Fatalf("expected latest write to win, got %+v", roster)
	}
}

func TestRosterSortsByHandleThenID(t *testing.T) {
	service, _ := newTestService(t)
	records := []realtime.Record{
		{Key: "u3", Value: []byte(`{"displayHandle":"bia"}`)},
		{Key: "u1", Value: []byte(`{"displayHandle":"Ana"}`)},
		{Key: "u2", Value: []byte(`{"displayHandle":"ana"}`)},
		{Key: "u4", Value: []byte(`not json`)},
	}
	roster := service.Roster(records)
	if !hasUsers("u1", "u2", "u3")(roster) {
		t.Fatalf("unexpected roster order %v", rosterIDs(roster))
	}
}

func TestJoinRequiresUserID(t *testing.T) {
	service, _ := newTestService(t)
	if err := service.Join(context.Background(), &failingArmSession{}, Record{}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}
