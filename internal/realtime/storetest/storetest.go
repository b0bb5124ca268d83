// Package storetest holds the behavioural suite every realtime.Store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
)

// Harness is one store under test. Advance moves the store's notion of time forward far
// enough for heartbeat expiry to be observable.
type Harness struct {
	Store   realtime.Store
	Advance func(time.Duration)
}

// Run executes the suite; newHarness must return an isolated, empty store.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("put list delete", func(t *testing.T) { testPutListDelete(t, newHarness(t)) })
	t.Run("append assigns keys and timestamps", func(t *testing.T) { testAppend(t, newHarness(t)) })
	t.Run("watch notifies on mutation", func(t *testing.T) { testWatch(t, newHarness(t)) })
	t.Run("expired connection fires directives", func(t *testing.T) { testExpiry(t, newHarness(t)) })
	t.Run("disarmed directive leaves record", func(t *testing.T) { testDisarm(t, newHarness(t)) })
	t.Run("heartbeat extends liveness", func(t *testing.T) { testHeartbeat(t, newHarness(t)) })
	t.Run("latest arm owns the path", func(t *testing.T) { testRearm(t, newHarness(t)) })
}

func raw(t *testing.T, value any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode value: %v", err)
	}
	return encoded
}

func mustList(t *testing.T, store realtime.Store, collection string) []realtime.Record {
	t.Helper()
	records, err := store.List(context.Background(), collection)
	if err != nil {
		t.Fatalf("list %s failed: %v", collection, err)
	}
	return records
}

func testPutListDelete(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	if err := store.Put(ctx, "presence", "u1", raw(t, map[string]string{"handle": "ana"})); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u2", raw(t, map[string]string{"handle": "bia"})); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u1", raw(t, map[string]string{"handle": "ana2"})); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	records := mustList(t, store, "presence")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	byKey := map[string]realtime.Record{}
	for _, record := range records {
		if record.ServerTimestamp.IsZero() {
			t.Fatalf("expected server timestamp on %s", record.Key)
		}
		byKey[record.Key] = record
	}
	var value map[string]string
	if err := byKey["u1"].Decode(&value); err != nil || value["handle"] != "ana2" {
		t.Fatalf("expected latest write to win, got %v (%v)", value, err)
	}

	if err := store.Delete(ctx, "presence", "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "presence", "missing"); err != nil {
		t.Fatalf("deleting a missing key must succeed: %v", err)
	}
	if records := mustList(t, store, "presence"); len(records) != 1 || records[0].Key != "u2" {
		t.Fatalf("unexpected records after delete: %+v", records)
	}
	if records := mustList(t, store, "chat"); len(records) != 0 {
		t.Fatalf("collections must be isolated, got %+v", records)
	}
}

func testAppend(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	keys := map[string]struct{}{}
	for index := 0; index < 3; index++ {
		record, err := store.Append(ctx, "chat", raw(t, map[string]int{"n": index}))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if record.Key == "" || record.ServerTimestamp.IsZero() {
			t.Fatalf("expected store-assigned key and timestamp, got %+v", record)
		}
		keys[record.Key] = struct{}{}
	}
	if len(keys) != 3 {
		t.Fatalf("expected unique keys, got %d", len(keys))
	}

	records := mustList(t, store, "chat")
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for index := 1; index < len(records); index++ {
		if records[index].ServerTimestamp.Before(records[index-1].ServerTimestamp) {
			t.Fatalf("expected non-decreasing server timestamps")
		}
	}
}

func testWatch(t *testing.T, harness Harness) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := harness.Store

	changes, cleanup, err := store.Watch(ctx, "typing")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer cleanup()

	if err := store.Put(context.Background(), "typing", "u1", raw(t, true)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	select {
	case change := <-changes:
		if change.Collection != "typing" {
			t.Fatalf("unexpected change collection %s", change.Collection)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification")
	}
}

func testExpiry(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	if err := store.Heartbeat(ctx, "conn-1", 10*time.Second); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := store.ArmDisconnect(ctx, "conn-1", "presence", "u1"); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u1", raw(t, "online")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	expired, err := store.ExpiredConnections(ctx)
	if err != nil {
		t.Fatalf("expired connections failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired connections yet, got %v", expired)
	}

	harness.Advance(11 * time.Second)

	expired, err = store.ExpiredConnections(ctx)
	if err != nil {
		t.Fatalf("expired connections failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "conn-1" {
		t.Fatalf("expected conn-1 to be expired, got %v", expired)
	}

	if err := store.FireDisconnect(ctx, "conn-1"); err != nil {
		t.Fatalf("fire disconnect failed: %v", err)
	}
	if err := store.Forget(ctx, "conn-1"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if records := mustList(t, store, "presence"); len(records) != 0 {
		t.Fatalf("expected armed record to be removed, got %+v", records)
	}
	expired, err = store.ExpiredConnections(ctx)
	if err != nil {
		t.Fatalf("expired connections failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected forgotten connection to disappear, got %v", expired)
	}
}

func testDisarm(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	if err := store.Heartbeat(ctx, "conn-2", 10*time.Second); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := store.ArmDisconnect(ctx, "conn-2", "presence", "u2"); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u2", raw(t, "online")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.DisarmDisconnect(ctx, "conn-2", "presence", "u2"); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}
	if err := store.FireDisconnect(ctx, "conn-2"); err != nil {
		t.Fatalf("fire disconnect failed: %v", err)
	}
	if records := mustList(t, store, "presence"); len(records) != 1 {
		t.Fatalf("expected disarmed record to survive, got %+v", records)
	}
}

func testHeartbeat(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	if err := store.Heartbeat(ctx, "conn-3", 10*time.Second); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	harness.Advance(6 * time.Second)
	if err := store.Heartbeat(ctx, "conn-3", 10*time.Second); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	harness.Advance(6 * time.Second)

	expired, err := store.ExpiredConnections(ctx)
	if err != nil {
		t.Fatalf("expired connections failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected refreshed connection to stay alive, got %v", expired)
	}
}

func testRearm(t *testing.T, harness Harness) {
	ctx := context.Background()
	store := harness.Store

	if err := store.ArmDisconnect(ctx, "conn-old", "presence", "u4"); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u4", raw(t, "first tab")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.ArmDisconnect(ctx, "conn-new", "presence", "u4"); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	if err := store.Put(ctx, "presence", "u4", raw(t, "second tab")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := store.FireDisconnect(ctx, "conn-old"); err != nil {
		t.Fatalf("fire disconnect failed: %v", err)
	}
	if records := mustList(t, store, "presence"); len(records) != 1 {
		t.Fatalf("expected the re-armed record to survive the old connection, got %+v", records)
	}
	if err := store.DisarmDisconnect(ctx, "conn-old", "presence", "u4"); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}

	if err := store.FireDisconnect(ctx, "conn-new"); err != nil {
		t.Fatalf("fire disconnect failed: %v", err)
	}
	if records := mustList(t, store, "presence"); len(records) != 0 {
		t.Fatalf("expected the owning connection to remove the record, got %+v", records)
	}
}
