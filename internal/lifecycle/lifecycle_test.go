package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/castline/castline/internal/bus"
	"github.com/castline/castline/internal/types"
)

type fakeMerger struct {
	mu      sync.Mutex
	calls   []string
	summary types.MergeSummary
	err     error
}

func (f *fakeMerger) MergeLocalDataForUser(ctx context.Context, userID string) (*types.MergeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return nil, f.err
	}
	out := f.summary
	return &out, nil
}

func (f *fakeMerger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMigrator struct {
	mu       sync.Mutex
	started  []string
	switched []string
}

func (f *fakeMigrator) Start(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, userID)
	return nil
}

func (f *fakeMigrator) SetActiveUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, userID)
}

type fakeResetter struct {
	mu    sync.Mutex
	reset []string
	err   error
}

func (f *fakeResetter) Reset(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reset = append(f.reset, userID)
	return nil
}

type fakeLocal struct {
	mu       sync.Mutex
	cleared  int
	clearErr error
}

func (f *fakeLocal) DatabasePath() string { return "/tmp/castline-test.db" }

func (f *fakeLocal) ClearAllData(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func (f *fakeLocal) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type fakeBackup struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeBackup) Upload(ctx context.Context, userID, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return f.err
}

func (f *fakeBackup) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func newRecorder(b *bus.Bus, names ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, name := range names {
		name := name
		b.Subscribe(name, func(payload any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[name] = append(r.events[name], payload)
		})
	}
	return r
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[name])
}

func (r *recorder) first(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events[name]) == 0 {
		return nil
	}
	return r.events[name][0]
}

type fixture struct {
	orch     *Orchestrator
	merger   *fakeMerger
	migrator *fakeMigrator
	resetter *fakeResetter
	local    *fakeLocal
	backup   *fakeBackup
	bus      *bus.Bus
}

func newFixture() *fixture {
	f := &fixture{
		merger:   &fakeMerger{summary: types.MergeSummary{MergedTrips: 2, MergedSessions: []string{"s1"}}},
		migrator: &fakeMigrator{},
		resetter: &fakeResetter{},
		local:    &fakeLocal{},
		backup:   &fakeBackup{},
		bus:      bus.New(),
	}
	f.orch = NewOrchestrator(f.merger, f.migrator, f.resetter, f.local, f.backup, f.bus)
	return f
}

func TestOnLogin_MergesThenStartsMigration(t *testing.T) {
	f := newFixture()
	events := newRecorder(f.bus, bus.EventUserDataReady)

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if got := f.merger.callCount(); got != 1 {
		t.Errorf("expected 1 merge call, got %d", got)
	}

	f.migrator.mu.Lock()
	started := append([]string(nil), f.migrator.started...)
	f.migrator.mu.Unlock()
	if len(started) != 1 || started[0] != "user-1" {
		t.Errorf("expected migration started for user-1, got %v", started)
	}

	if events.count(bus.EventUserDataReady) != 1 {
		t.Fatal("expected user data ready event")
	}
	event, ok := events.first(bus.EventUserDataReady).(UserDataReadyEvent)
	if !ok || event.UserID != "user-1" || event.Summary.MergedTrips != 2 {
		t.Errorf("unexpected event: %+v", events.first(bus.EventUserDataReady))
	}
}

func TestOnLogin_MergeFailureStillStartsMigration(t *testing.T) {
	f := newFixture()
	f.merger.err = errors.New("local store unavailable")
	events := newRecorder(f.bus, bus.EventUserDataReady)

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if events.count(bus.EventUserDataReady) != 0 {
		t.Error("failed merge must not announce data ready")
	}
	f.migrator.mu.Lock()
	started := len(f.migrator.started)
	f.migrator.mu.Unlock()
	if started != 1 {
		t.Errorf("expected migration started despite merge failure, got %d starts", started)
	}
}

func TestOnLogout_BacksUpThenClears(t *testing.T) {
	f := newFixture()
	events := newRecorder(f.bus, bus.EventSyncQueueCleared)

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if err := f.orch.OnLogout(context.Background()); err != nil {
		t.Fatalf("OnLogout: %v", err)
	}

	if f.backup.callCount() != 1 {
		t.Error("expected one backup upload")
	}
	if f.local.clearCount() != 1 {
		t.Error("expected local data cleared")
	}
	if events.count(bus.EventSyncQueueCleared) != 1 {
		t.Error("expected sync queue cleared event")
	}
}

func TestOnLogout_BackupFailureIsSwallowed(t *testing.T) {
	f := newFixture()
	f.backup.err = errors.New("bucket unreachable")

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if err := f.orch.OnLogout(context.Background()); err != nil {
		t.Fatalf("backup failure must not block logout: %v", err)
	}
	if f.local.clearCount() != 1 {
		t.Error("expected local data cleared despite backup failure")
	}
}

func TestOnLogout_WithoutLoginDoesNothing(t *testing.T) {
	f := newFixture()

	if err := f.orch.OnLogout(context.Background()); err != nil {
		t.Fatalf("OnLogout: %v", err)
	}
	if f.backup.callCount() != 0 || f.local.clearCount() != 0 {
		t.Error("logout without login must be a no-op")
	}
}

func TestOnLogout_ClearFailurePropagates(t *testing.T) {
	f := newFixture()
	f.local.clearErr = errors.New("disk error")

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if err := f.orch.OnLogout(context.Background()); err == nil {
		t.Fatal("expected clear failure to propagate")
	}
}

func TestOnUserSwitch_ResetsPreviousUser(t *testing.T) {
	f := newFixture()

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if err := f.orch.OnUserSwitch(context.Background(), "user-2"); err != nil {
		t.Fatalf("OnUserSwitch: %v", err)
	}
	f.orch.Wait()

	f.resetter.mu.Lock()
	reset := append([]string(nil), f.resetter.reset...)
	f.resetter.mu.Unlock()
	if len(reset) != 1 || reset[0] != "user-1" {
		t.Errorf("expected reset for previous user, got %v", reset)
	}

	f.migrator.mu.Lock()
	switched := append([]string(nil), f.migrator.switched...)
	started := append([]string(nil), f.migrator.started...)
	f.migrator.mu.Unlock()
	if len(switched) != 1 || switched[0] != "user-2" {
		t.Errorf("expected aggregator switched to user-2, got %v", switched)
	}
	if len(started) != 2 || started[1] != "user-2" {
		t.Errorf("expected migration started for user-2, got %v", started)
	}

	if got := f.merger.callCount(); got != 2 {
		t.Errorf("expected merge pass for both users, got %d", got)
	}
}

func TestOnUserSwitch_SameUserSkipsReset(t *testing.T) {
	f := newFixture()

	f.orch.OnLogin(context.Background(), "user-1")
	f.orch.Wait()

	if err := f.orch.OnUserSwitch(context.Background(), "user-1"); err != nil {
		t.Fatalf("OnUserSwitch: %v", err)
	}
	f.orch.Wait()

	f.resetter.mu.Lock()
	resets := len(f.resetter.reset)
	f.resetter.mu.Unlock()
	if resets != 0 {
		t.Errorf("same-user switch must not reset migration state, got %d resets", resets)
	}
}
