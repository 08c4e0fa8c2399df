// Package lifecycle orchestrates the authentication transitions: login
// triggers the guest merge and the encryption migration, logout backs
// up and clears local data, and user switches reset migration state
// before behaving like a login.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/castline/castline/internal/bus"
	"github.com/castline/castline/internal/types"
)

// Merger is the slice of the merge engine the orchestrator drives.
type Merger interface {
	MergeLocalDataForUser(ctx context.Context, userID string) (*types.MergeSummary, error)
}

// Migrator is the slice of the migration stack the orchestrator drives.
type Migrator interface {
	Start(ctx context.Context, userID string) error
	SetActiveUser(userID string)
}

// MigrationResetter clears a user's migration state on switch.
type MigrationResetter interface {
	Reset(ctx context.Context, userID string) error
}

// LocalData is the slice of the local store the orchestrator clears.
type LocalData interface {
	DatabasePath() string
	ClearAllData(ctx context.Context) error
}

// BackupUploader uploads the local database before a clear.
type BackupUploader interface {
	Upload(ctx context.Context, userID string, filePath string) error
}

// Orchestrator sequences merge, migration, backup, and local clears
// across login, logout, and user-switch transitions.
type Orchestrator struct {
	merger   Merger
	migrator Migrator
	resetter MigrationResetter
	local    LocalData
	backup   BackupUploader
	bus      bus.Publisher

	mu          sync.Mutex
	activeUser  string
	mergeCalled bool
	wg          sync.WaitGroup
}

// NewOrchestrator wires the lifecycle orchestrator.
func NewOrchestrator(merger Merger, migrator Migrator, resetter MigrationResetter, local LocalData, backup BackupUploader, publisher bus.Publisher) *Orchestrator {
	return &Orchestrator{
		merger:   merger,
		migrator: migrator,
		resetter: resetter,
		local:    local,
		backup:   backup,
		bus:      publisher,
	}
}

// UserDataReadyEvent is the payload for bus.EventUserDataReady.
type UserDataReadyEvent struct {
	UserID  string
	Summary types.MergeSummary
}

// OnLogin records the authenticated user and schedules the merge on a
// background goroutine so callers are never blocked on remote writes.
// Once the merge pass finishes, user.data_ready is published and the
// encryption migration starts.
func (o *Orchestrator) OnLogin(ctx context.Context, userID string) {
	o.mu.Lock()
	o.activeUser = userID
	o.mergeCalled = true
	o.mu.Unlock()

	// The merge outlives the caller's request; keep its values but not
	// its cancellation.
	mergeCtx := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loginPass(mergeCtx, userID)
	}()
}

// loginPass runs the merge and starts migration. Merge failure is
// logged and migration still starts; remote records stay readable even
// when local reconciliation is deferred to a later pass.
func (o *Orchestrator) loginPass(ctx context.Context, userID string) {
	summary, err := o.merger.MergeLocalDataForUser(ctx, userID)
	if err != nil {
		slog.Error("login merge pass failed",
			"component", "lifecycle",
			"user_id", userID,
			"error", err,
		)
	} else {
		o.bus.Publish(bus.EventUserDataReady, UserDataReadyEvent{
			UserID:  userID,
			Summary: *summary,
		})
	}

	if err := o.migrator.Start(ctx, userID); err != nil {
		slog.Error("failed to start encryption migration",
			"component", "lifecycle",
			"user_id", userID,
			"error", err,
		)
	}
}

// OnLogout backs up the local database best-effort, then clears local
// data only when a merge pass has at least been invoked this session.
// Clearing unmerged guest data would silently lose records.
func (o *Orchestrator) OnLogout(ctx context.Context) error {
	o.Wait()

	o.mu.Lock()
	userID := o.activeUser
	merged := o.mergeCalled
	o.activeUser = ""
	o.mergeCalled = false
	o.mu.Unlock()

	if userID == "" {
		return nil
	}

	if err := o.backup.Upload(ctx, userID, o.local.DatabasePath()); err != nil {
		// Best-effort: a failed backup never blocks logout.
		slog.Warn("logout backup failed",
			"component", "lifecycle",
			"user_id", userID,
			"error", err,
		)
	}

	if !merged {
		slog.Warn("skipping local clear, no merge pass was invoked",
			"component", "lifecycle",
			"user_id", userID,
		)
		return nil
	}

	if err := o.local.ClearAllData(ctx); err != nil {
		return fmt.Errorf("clear local data: %w", err)
	}

	o.bus.Publish(bus.EventSyncQueueCleared, userID)
	slog.Info("logout completed",
		"component", "lifecycle",
		"user_id", userID,
	)
	return nil
}

// OnUserSwitch resets the previous user's migration state and the
// aggregator's derived view, then behaves as a login for the new user.
func (o *Orchestrator) OnUserSwitch(ctx context.Context, userID string) error {
	o.Wait()

	o.mu.Lock()
	previous := o.activeUser
	o.mu.Unlock()

	if previous != "" && previous != userID {
		if err := o.resetter.Reset(ctx, previous); err != nil {
			return fmt.Errorf("reset migration for %s: %w", previous, err)
		}
	}
	o.migrator.SetActiveUser(userID)

	o.OnLogin(ctx, userID)
	return nil
}

// Wait blocks until any in-flight login pass completes. Used by tests
// and graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
