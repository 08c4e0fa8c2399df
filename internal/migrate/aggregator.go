package migrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castline/castline/internal/bus"
	"github.com/castline/castline/internal/types"
)

// EngineAPI is the slice of the migration engine the aggregator drives.
type EngineAPI interface {
	Start(ctx context.Context, userID string) error
	ForceRestart(ctx context.Context, userID string) error
	Status() types.MigrationSnapshot
}

// Aggregator folds engine snapshots and engine-emitted events into one
// coherent progress view for display, and resets when the active user
// changes so one user's progress is never shown to another.
type Aggregator struct {
	engine   EngineAPI
	bus      *bus.Bus
	interval time.Duration

	mu     sync.Mutex
	userID string
	view   types.ProgressView
	unsubs []func()
}

// NewAggregator creates an aggregator and subscribes it to the engine's
// event stream on b.
func NewAggregator(engine EngineAPI, b *bus.Bus, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	a := &Aggregator{
		engine:   engine,
		bus:      b,
		interval: interval,
		view:     emptyView(),
	}
	a.unsubs = append(a.unsubs,
		b.Subscribe(bus.EventEncryptionIndexError, a.onIndexError),
		b.Subscribe(bus.EventMigrationCompleted, a.onCompleted),
	)
	return a
}

// Close detaches the aggregator from the bus.
func (a *Aggregator) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
}

// Start records the active user and passes through to the engine.
func (a *Aggregator) Start(ctx context.Context, userID string) error {
	a.mu.Lock()
	if userID != a.userID {
		a.view = emptyView()
	}
	a.userID = userID
	a.mu.Unlock()
	return a.engine.Start(ctx, userID)
}

// ForceRestart passes through to the engine for the active user.
func (a *Aggregator) ForceRestart(ctx context.Context) error {
	a.mu.Lock()
	userID := a.userID
	a.mu.Unlock()
	return a.engine.ForceRestart(ctx, userID)
}

// SetActiveUser resets all derived state, even mid-poll; progress shown
// from here on belongs to the new identity only.
func (a *Aggregator) SetActiveUser(userID string) {
	a.mu.Lock()
	a.userID = userID
	a.view = emptyView()
	a.mu.Unlock()
}

// View returns the current derived progress view.
func (a *Aggregator) View() types.ProgressView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneView(a.view)
}

// Run polls the engine while any collection is running, republishing the
// derived view on each change. It blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	slog.Info("migration status aggregator started",
		"component", "aggregator",
		"interval", a.interval.String(),
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("migration status aggregator stopped",
				"component", "aggregator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			a.poll()
		}
	}
}

// poll refreshes the view from the engine's synchronous snapshot. Idle
// engines (nothing running, nothing done) publish nothing.
func (a *Aggregator) poll() {
	snap := a.engine.Status()
	if !snap.Running && !snap.AllDone {
		return
	}

	a.mu.Lock()
	a.refreshLocked(snap)
	view := cloneView(a.view)
	a.mu.Unlock()

	a.bus.Publish(bus.EventMigrationProgress, view)
}

// onIndexError folds an index-error event into the view. An event for a
// collection with no prior recorded state defaults that collection to
// done-with-zero-counters instead of failing.
func (a *Aggregator) onIndexError(payload any) {
	event, ok := payload.(bus.IndexErrorEvent)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.userID != "" && event.UserID != a.userID {
		// Stale event from a previous identity.
		a.mu.Unlock()
		return
	}
	state := a.view.Collections[event.Collection]
	state.Done = true
	state.Err = &types.MigrationError{
		Collection: event.Collection,
		UserID:     event.UserID,
		Message:    event.Message,
		ConsoleURL: event.ConsoleURL,
	}
	a.view.Collections[event.Collection] = state
	view := cloneView(a.view)
	a.mu.Unlock()

	a.bus.Publish(bus.EventMigrationProgress, view)
}

// onCompleted refreshes from the engine so the final view carries exact
// totals.
func (a *Aggregator) onCompleted(payload any) {
	event, ok := payload.(bus.MigrationCompletedEvent)
	if !ok {
		return
	}

	snap := a.engine.Status()

	a.mu.Lock()
	if a.userID != "" && event.UserID != a.userID {
		a.mu.Unlock()
		return
	}
	a.refreshLocked(snap)
	view := cloneView(a.view)
	a.mu.Unlock()

	a.bus.Publish(bus.EventMigrationProgress, view)
}

// refreshLocked recomputes the derived view from an engine snapshot.
func (a *Aggregator) refreshLocked(snap types.MigrationSnapshot) {
	view := emptyView()
	view.Running = snap.Running
	view.AllDone = snap.AllDone
	for name, st := range snap.Collections {
		view.Collections[name] = st
		view.TotalProcessed += st.Processed
		view.TotalUpdated += st.Updated
	}
	a.view = view
}

func emptyView() types.ProgressView {
	return types.ProgressView{Collections: make(map[string]types.CollectionState)}
}

func cloneView(v types.ProgressView) types.ProgressView {
	out := v
	out.Collections = make(map[string]types.CollectionState, len(v.Collections))
	for name, st := range v.Collections {
		out.Collections[name] = st
	}
	return out
}
