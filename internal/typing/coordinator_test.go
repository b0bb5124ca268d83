package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/realtimetest"
)

const testIdleTimeout = 150 * time.Millisecond

type writerCall struct {
	op     string
	userID string
	at     time.Time
}

type recordingWriter struct {
	mu    sync.Mutex
	calls []writerCall
	seen  chan writerCall
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{seen: make(chan writerCall, 64)}
}

func (w *recordingWriter) note(op, userID string) {
	call := writerCall{op: op, userID: userID, at: time.Now()}
	w.mu.Lock()
	w.calls = append(w.calls, call)
	w.mu.Unlock()
	w.seen <- call
}

func (w *recordingWriter) Write(_ context.Context, _ string, key string, _ any) error {
	w.note("write", key)
	return nil
}

func (w *recordingWriter) Remove(_ context.Context, _ string, key string) error {
	w.note("remove", key)
	return nil
}

func (w *recordingWriter) RemoveOnDisconnect(context.Context, string, string) error {
	return nil
}

func (w *recordingWriter) CancelOnDisconnect(context.Context, string, string) error {
	return nil
}

func (w *recordingWriter) count(op, userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, call := range w.calls {
		if call.op == op && call.userID == userID {
			total++
		}
	}
	return total
}

func (w *recordingWriter) waitFor(t *testing.T, op, userID string) writerCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case call := <-w.seen:
			if call.op == op && call.userID == userID {
				return call
			}
		case <-deadline:
			t.Fatalf("expected %s for %s", op, userID)
			return writerCall{}
		}
	}
}

func startCoordinator(t *testing.T, writer Writer) *Coordinator {
	t.Helper()
	fixture := realtimetest.New(t)
	coordinator, err := NewCoordinator(Config{
		Writer:      writer,
		Feed:        fixture.Client,
		IdleTimeout: testIdleTimeout,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return coordinator
}

func TestBurstOfKeystrokesWritesOnceAndExpires(t *testing.T) {
	writer := newRecordingWriter()
	coordinator := startCoordinator(t, writer)
	ctx := context.Background()

	var lastInput time.Time
	for range "hello" {
		if err := coordinator.OnInput(ctx, "u1"); err != nil {
			t.Fatalf("input failed: %v", err)
		}
		lastInput = time.Now()
		time.Sleep(20 * time.Millisecond)
	}

	removal := writer.waitFor(t, "remove", "u1")
	if writes := writer.count("write", "u1"); writes != 1 {
		t.Fatalf("expected exactly one typing write, got %d", writes)
	}
	if removes := writer.count("remove", "u1"); removes != 1 {
		t.Fatalf("expected exactly one removal, got %d", removes)
	}
	elapsed := removal.at.Sub(lastInput)
	if elapsed < testIdleTimeout-20*time.Millisecond {
		t.Fatalf("removal came %v after the last keystroke, before the idle timeout", elapsed)
	}
	if elapsed > testIdleTimeout+time.Second {
		t.Fatalf("removal came too late: %v", elapsed)
	}
}

func TestSubmitClearsImmediatelyAndCancelsTimer(t *testing.T) {
	writer := newRecordingWriter()
	coordinator := startCoordinator(t, writer)
	ctx := context.Background()

	if err := coordinator.OnInput(ctx, "u1"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	writer.waitFor(t, "write", "u1")
	if err := coordinator.Submit(ctx, "u1"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	writer.waitFor(t, "remove", "u1")

	time.Sleep(testIdleTimeout * 2)
	if removes := writer.count("remove", "u1"); removes != 1 {
		t.Fatalf("expected the cancelled timer not to remove again, got %d removals", removes)
	}
}

func TestTypingAgainAfterExpiryWritesAgain(t *testing.T) {
	writer := newRecordingWriter()
	coordinator := startCoordinator(t, writer)
	ctx := context.Background()

	if err := coordinator.OnInput(ctx, "u1"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	writer.waitFor(t, "remove", "u1")
	if err := coordinator.SetTyping(ctx, "u1", true); err != nil {
		t.Fatalf("set typing failed: %v", err)
	}
	writer.waitFor(t, "write", "u1")
	if writes := writer.count("write", "u1"); writes != 2 {
		t.Fatalf("expected one write per idle to typing transition, got %d", writes)
	}
}

func TestSubmitWhileIdleIsNoop(t *testing.T) {
	writer := newRecordingWriter()
	coordinator := startCoordinator(t, writer)

	if err := coordinator.SetTyping(context.Background(), "u1", false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if removes := writer.count("remove", "u1"); removes != 0 {
		t.Fatalf("expected no removal for an idle user, got %d", removes)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	writer := newRecordingWriter()
	coordinator := startCoordinator(t, writer)
	ctx := context.Background()

	if err := coordinator.OnInput(ctx, "u1"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	if err := coordinator.OnInput(ctx, "u2"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	if err := coordinator.Submit(ctx, "u1"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	writer.waitFor(t, "remove", "u1")
	if removes := writer.count("remove", "u2"); removes != 0 {
		t.Fatalf("submitting u1 must not clear u2")
	}
	writer.waitFor(t, "remove", "u2")
}

func TestWatchPublishesTypists(t *testing.T) {
	fixture := realtimetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := fixture.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	coordinator, err := NewCoordinator(Config{Writer: conn, Feed: fixture.Client, IdleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	done := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	snapshots := realtimetest.NewSnapshots[[]string]()
	subscription, err := coordinator.Watch(ctx, snapshots.Record)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer subscription.Close()

	if err := coordinator.OnInput(ctx, "u2"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	if err := coordinator.OnInput(ctx, "u1"); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	snapshots.WaitFor(t, func(ids []string) bool {
		return len(ids) == 2 && ids[0] == "u1" && ids[1] == "u2"
	})

	if err := coordinator.Submit(ctx, "u2"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snapshots.WaitFor(t, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "u1"
	})
}

func TestStoppedCoordinatorRejectsEvents(t *testing.T) {
	fixture := realtimetest.New(t)
	coordinator, err := NewCoordinator(Config{Writer: newRecordingWriter(), Feed: fixture.Client})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	coordinator.Run(ctx)

	if err := coordinator.OnInput(context.Background(), "u1"); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
