// Package migrate upgrades legacy-format cloud documents to the
// encrypted representation, one collection at a time, with durable
// checkpoints so an interrupted pass resumes where it stopped. Missing
// composite indexes circuit-break the affected collection instead of
// retrying forever.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/castline/castline/internal/bus"
	"github.com/castline/castline/internal/cloud"
	"github.com/castline/castline/internal/crypto"
	"github.com/castline/castline/internal/retry"
	"github.com/castline/castline/internal/types"
)

// CloudStore is the slice of the remote store the engine pages through.
type CloudStore interface {
	PageByOwner(ctx context.Context, ownerID, collection, cursor string, limit int) (*cloud.Page, error)
	BatchOverwrite(ctx context.Context, docs []cloud.Doc) error
}

// Checkpoints is the local KV persistence for per-collection cursors.
type Checkpoints interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
	KVRemove(ctx context.Context, key string) error
}

// RecordSealer encrypts legacy payloads during the upgrade.
type RecordSealer interface {
	SealForUser(userID string, plaintext []byte) ([]byte, error)
}

// checkpoint is the durable per-(user, collection) resume point.
type checkpoint struct {
	Cursor    string `json:"cursor"`
	Processed int64  `json:"processed"`
	Updated   int64  `json:"updated"`
}

func checkpointKey(userID, collection string) string {
	return "migration/" + userID + "/" + collection
}

// collectionState is the in-memory progress for one collection.
type collectionState struct {
	types.CollectionState
	running bool
}

// Engine runs the per-collection encryption migration.
type Engine struct {
	cloud       CloudStore
	checkpoints Checkpoints
	sealer      RecordSealer
	bus         bus.Publisher
	policy      retry.Policy
	collections []string
	pageSize    int
	consoleBase string

	mu     sync.Mutex
	userID string
	runCtx context.Context
	cancel context.CancelFunc
	// gen increments whenever states is replaced. Collection loops carry
	// the generation they were scheduled under; a loop whose generation
	// is stale must not touch the current user's state or publish.
	gen    int
	states map[string]*collectionState
	wg     sync.WaitGroup
}

// NewEngine creates a migration engine for the configured collections.
// consoleBase, when non-empty, is used to build remediation links for
// index errors.
func NewEngine(remote CloudStore, checkpoints Checkpoints, sealer RecordSealer, publisher bus.Publisher, policy retry.Policy, pageSize int, consoleBase string) *Engine {
	if pageSize < 1 {
		pageSize = 50
	}
	return &Engine{
		cloud:       remote,
		checkpoints: checkpoints,
		sealer:      sealer,
		bus:         publisher,
		policy:      policy,
		collections: types.Collections(),
		pageSize:    pageSize,
		consoleBase: consoleBase,
		states:      make(map[string]*collectionState),
	}
}

// Start schedules the migration for every configured collection and
// returns once all are scheduled; it does not wait for completion.
// Collections already running or already done are left alone, so a
// repeated Start is a safe no-op. Starting for a different user resets
// in-memory state for the previous one first.
func (e *Engine) Start(ctx context.Context, userID string) error {
	e.mu.Lock()

	if e.userID != "" && e.userID != userID {
		e.cancelLocked()
		e.states = make(map[string]*collectionState)
		e.gen++
	}
	e.userID = userID

	if e.cancel == nil {
		// Paging outlives the caller's request context; cancellation is
		// controlled by Reset and user switches.
		e.runCtx, e.cancel = context.WithCancel(context.Background())
	}
	runCtx := e.runCtx
	gen := e.gen

	var scheduled []string
	for _, collection := range e.collections {
		st := e.states[collection]
		if st != nil && (st.running || st.Done) {
			// Done covers the errored case too: an index error is
			// terminal until an explicit ForceRestart.
			continue
		}
		e.states[collection] = &collectionState{running: true}
		if st != nil {
			// Preserve progress across resumptions.
			e.states[collection].Processed = st.Processed
			e.states[collection].Updated = st.Updated
		}
		scheduled = append(scheduled, collection)
		e.wg.Add(1)
	}
	e.mu.Unlock()

	for _, collection := range scheduled {
		go e.runCollection(runCtx, gen, userID, collection)
	}

	slog.Info("encryption migration started",
		"component", "migrate",
		"user_id", userID,
		"collections", len(scheduled),
	)
	return nil
}

// Status returns the synchronous snapshot of migration state. Safe to
// call at any time; before Start it reports all-zero collections and
// AllDone false.
func (e *Engine) Status() types.MigrationSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := types.MigrationSnapshot{
		Collections: make(map[string]types.CollectionState, len(e.collections)),
	}
	allDone := len(e.states) > 0
	for _, collection := range e.collections {
		st := e.states[collection]
		if st == nil {
			snap.Collections[collection] = types.CollectionState{}
			allDone = false
			continue
		}
		snap.Collections[collection] = st.CollectionState
		if st.running {
			snap.Running = true
		}
		if !st.Done {
			allDone = false
		}
	}
	snap.AllDone = allDone
	return snap
}

// ForceRestart clears the error flag and checkpoint for every errored
// collection and transitions them back to running. Used once the
// missing index has been created out-of-band.
func (e *Engine) ForceRestart(ctx context.Context, userID string) error {
	e.mu.Lock()
	var restart []string
	for _, collection := range e.collections {
		st := e.states[collection]
		if st == nil || st.Err == nil {
			continue
		}
		if err := e.checkpoints.KVRemove(ctx, checkpointKey(userID, collection)); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("clear checkpoint for %s: %w", collection, err)
		}
		e.states[collection] = &collectionState{running: true}
		restart = append(restart, collection)
		e.wg.Add(1)
	}
	if e.cancel == nil {
		e.runCtx, e.cancel = context.WithCancel(context.Background())
	}
	runCtx := e.runCtx
	gen := e.gen
	e.mu.Unlock()

	for _, collection := range restart {
		go e.runCollection(runCtx, gen, userID, collection)
	}

	slog.Info("encryption migration force-restarted",
		"component", "migrate",
		"user_id", userID,
		"collections", len(restart),
	)
	return nil
}

// Reset cancels any in-flight paging and clears all per-collection
// checkpoints and counters for the user. Used when the authenticated
// identity switches.
func (e *Engine) Reset(ctx context.Context, userID string) error {
	e.mu.Lock()
	e.cancelLocked()
	e.states = make(map[string]*collectionState)
	e.gen++
	e.userID = ""
	e.mu.Unlock()

	for _, collection := range e.collections {
		if err := e.checkpoints.KVRemove(ctx, checkpointKey(userID, collection)); err != nil {
			return fmt.Errorf("clear checkpoint for %s: %w", collection, err)
		}
	}

	slog.Info("encryption migration state reset",
		"component", "migrate",
		"user_id", userID,
	)
	return nil
}

// Wait blocks until all in-flight collection loops return. Used by
// tests and graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) cancelLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// runCollection pages through one collection from its last checkpoint.
func (e *Engine) runCollection(ctx context.Context, gen int, userID, collection string) {
	defer e.wg.Done()

	cp := e.loadCheckpoint(ctx, userID, collection)
	e.setCounters(gen, collection, cp)

	for {
		if ctx.Err() != nil {
			// User switched mid-pass: the in-flight page already
			// finished; schedule no more.
			e.setNotRunning(gen, collection)
			return
		}

		var page *cloud.Page
		err := e.policy.Do(ctx, func(ctx context.Context) error {
			var pageErr error
			page, pageErr = e.cloud.PageByOwner(ctx, userID, collection, cp.Cursor, e.pageSize)
			return pageErr
		})
		if err != nil {
			e.failCollection(gen, userID, collection, err)
			return
		}

		batch, updated, skipped := e.buildOverwriteBatch(userID, collection, page.Docs)

		if len(batch) > 0 {
			err := e.policy.Do(ctx, func(ctx context.Context) error {
				return e.cloud.BatchOverwrite(ctx, batch)
			})
			if err != nil {
				e.failCollection(gen, userID, collection, err)
				return
			}
		}

		// Checkpoint-after-batch: progress is durable only once the
		// page's atomic write has succeeded.
		cp.Cursor = page.NextCursor
		cp.Processed += int64(len(page.Docs))
		cp.Updated += updated
		if err := e.saveCheckpoint(ctx, userID, collection, cp); err != nil {
			slog.Error("failed to persist migration checkpoint",
				"component", "migrate",
				"collection", collection,
				"user_id", userID,
				"error", err,
			)
			e.setNotRunning(gen, collection)
			return
		}

		e.setCounters(gen, collection, cp)

		if skipped > 0 {
			slog.Warn("skipped unsealable documents",
				"component", "migrate",
				"collection", collection,
				"count", skipped,
			)
		}

		if page.NextCursor == "" {
			e.completeCollection(gen, userID, collection, cp)
			return
		}
	}
}

// buildOverwriteBatch re-encrypts the legacy documents in a page.
// Returns the batch, how many documents it upgrades, and how many were
// skipped because sealing failed.
func (e *Engine) buildOverwriteBatch(userID, collection string, docs []cloud.Doc) ([]cloud.Doc, int64, int) {
	var batch []cloud.Doc
	var updated int64
	var skipped int
	for _, doc := range docs {
		if crypto.Classify(doc.Payload) == crypto.EncryptedV1 {
			continue
		}
		sealed, err := e.sealer.SealForUser(userID, doc.Payload)
		if err != nil {
			slog.Error("failed to seal legacy document",
				"component", "migrate",
				"collection", collection,
				"doc_id", doc.ID,
				"error", err,
			)
			skipped++
			continue
		}
		upgraded := doc
		upgraded.Payload = sealed
		upgraded.EncVersion = 1
		batch = append(batch, upgraded)
		updated++
	}
	return batch, updated, skipped
}

// failCollection routes a paging/write failure: missing indexes are
// terminal and evented; anything else leaves the collection resumable.
// Failures from a stale generation are dropped entirely; the user they
// belonged to is gone and the current user's state must not absorb
// them.
func (e *Engine) failCollection(gen int, userID, collection string, err error) {
	if ime, ok := cloud.IsIndexMissing(err); ok {
		consoleURL := ime.ConsoleURL(e.consoleBase)

		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			return
		}
		st := e.states[collection]
		if st == nil {
			st = &collectionState{}
			e.states[collection] = st
		}
		st.Done = true
		st.running = false
		st.Err = &types.MigrationError{
			Collection: collection,
			UserID:     userID,
			Message:    ime.Error(),
			ConsoleURL: consoleURL,
		}
		e.mu.Unlock()

		slog.Error("migration circuit-broken on missing index",
			"component", "migrate",
			"collection", collection,
			"user_id", userID,
			"index", ime.Index,
		)
		e.bus.Publish(bus.EventEncryptionIndexError, bus.IndexErrorEvent{
			Collection: collection,
			UserID:     userID,
			Message:    ime.Error(),
			ConsoleURL: consoleURL,
		})
		return
	}

	slog.Error("migration pass failed, will resume from checkpoint",
		"component", "migrate",
		"collection", collection,
		"user_id", userID,
		"error", err,
	)
	e.setNotRunning(gen, collection)
}

// completeCollection marks the collection done and publishes the
// completion event once every collection has finished.
func (e *Engine) completeCollection(gen int, userID, collection string, cp checkpoint) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if st := e.states[collection]; st != nil {
		st.Done = true
		st.running = false
		st.Err = nil
	}
	allDone := true
	status := "success"
	for _, c := range e.collections {
		st := e.states[c]
		if st == nil || !st.Done {
			allDone = false
			break
		}
		if st.Err != nil {
			status = "partial"
		}
	}
	e.mu.Unlock()

	slog.Info("collection migration completed",
		"component", "migrate",
		"collection", collection,
		"user_id", userID,
		"processed", cp.Processed,
		"updated", cp.Updated,
	)

	if allDone {
		e.bus.Publish(bus.EventMigrationCompleted, bus.MigrationCompletedEvent{
			UserID: userID,
			Status: status,
		})
	}
}

func (e *Engine) setNotRunning(gen int, collection string) {
	e.mu.Lock()
	if gen == e.gen {
		if st := e.states[collection]; st != nil {
			st.running = false
		}
	}
	e.mu.Unlock()
}

func (e *Engine) setCounters(gen int, collection string, cp checkpoint) {
	e.mu.Lock()
	if gen == e.gen {
		if st := e.states[collection]; st != nil {
			st.Processed = cp.Processed
			st.Updated = cp.Updated
		}
	}
	e.mu.Unlock()
}

func (e *Engine) loadCheckpoint(ctx context.Context, userID, collection string) checkpoint {
	raw, ok, err := e.checkpoints.KVGet(ctx, checkpointKey(userID, collection))
	if err != nil || !ok {
		if err != nil {
			slog.Warn("failed to read migration checkpoint, starting over",
				"component", "migrate",
				"collection", collection,
				"error", err,
			)
		}
		return checkpoint{}
	}
	var cp checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		slog.Warn("corrupt migration checkpoint, starting over",
			"component", "migrate",
			"collection", collection,
			"error", err,
		)
		return checkpoint{}
	}
	return cp
}

func (e *Engine) saveCheckpoint(ctx context.Context, userID, collection string, cp checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return e.checkpoints.KVSet(ctx, checkpointKey(userID, collection), string(raw))
}
