package session

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeKV is an in-memory KV implementation for tracker tests.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) KVGet(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) KVSet(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) KVRemove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestGetOrCreateGuestSessionID_Idempotent(t *testing.T) {
	tracker := NewTracker(newFakeKV())
	ctx := context.Background()

	first, err := tracker.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first == "" {
		t.Fatal("expected a generated session id")
	}

	second, err := tracker.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Errorf("expected stable id, got %q then %q", first, second)
	}
}

func TestCurrentSessionID_DoesNotCreate(t *testing.T) {
	tracker := NewTracker(newFakeKV())
	ctx := context.Background()

	id, err := tracker.CurrentSessionID(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty id before first guest write, got %q", id)
	}
}

func TestMarkGuestSessionMergedForUser(t *testing.T) {
	tracker := NewTracker(newFakeKV())
	ctx := context.Background()

	id, err := tracker.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := tracker.MarkGuestSessionMergedForUser(ctx, id, "U1"); err != nil {
		t.Fatalf("mark merged: %v", err)
	}

	record, err := tracker.GetGuestSessionRecord(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record == nil || !record.MergedFor("U1") {
		t.Fatal("expected U1 recorded as merged")
	}
	firstMergedAt := record.MergedUsers["U1"]

	// Second call is a no-op: the original timestamp is preserved.
	if err := tracker.MarkGuestSessionMergedForUser(ctx, id, "U1"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	record, _ = tracker.GetGuestSessionRecord(ctx, id)
	if !record.MergedUsers["U1"].Equal(firstMergedAt) {
		t.Error("second mark must not overwrite the original merge time")
	}

	// A different user on the same shared device is tracked independently.
	if err := tracker.MarkGuestSessionMergedForUser(ctx, id, "U2"); err != nil {
		t.Fatalf("mark U2: %v", err)
	}
	record, _ = tracker.GetGuestSessionRecord(ctx, id)
	if !record.MergedFor("U1") || !record.MergedFor("U2") {
		t.Error("expected both users tracked")
	}
}

func TestMarkGuestSessionMergedForUser_UnknownSession(t *testing.T) {
	tracker := NewTracker(newFakeKV())

	if err := tracker.MarkGuestSessionMergedForUser(context.Background(), "no-such-id", "U1"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestGetGuestSessionRecord_UnknownReturnsNil(t *testing.T) {
	tracker := NewTracker(newFakeKV())

	record, err := tracker.GetGuestSessionRecord(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
}

func TestResetGuestSessionState(t *testing.T) {
	tracker := NewTracker(newFakeKV())
	ctx := context.Background()

	id, err := tracker.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := tracker.ResetGuestSessionState(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	current, err := tracker.CurrentSessionID(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if current != "" {
		t.Errorf("expected no current session after reset, got %q", current)
	}
	record, _ := tracker.GetGuestSessionRecord(ctx, id)
	if record != nil {
		t.Error("expected session record removed")
	}

	// A fresh session gets a fresh id.
	fresh, err := tracker.GetOrCreateGuestSessionID(ctx)
	if err != nil {
		t.Fatalf("recreate session: %v", err)
	}
	if fresh == id {
		t.Error("expected a new id after reset")
	}
}

func TestTracker_PropagatesStorageErrors(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("disk gone")
	tracker := NewTracker(kv)

	if _, err := tracker.GetOrCreateGuestSessionID(context.Background()); err == nil {
		t.Error("expected storage error to propagate")
	}
}
