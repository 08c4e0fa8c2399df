// Package session owns the anonymous guest identity: a stable session id
// for the life of the local profile and a durable record of which
// authenticated users have already absorbed it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/castline/castline/internal/types"
)

// KV keys: currentKey points at the active session id; each session
// record lives under recordPrefix + id so sessions survive a reset of
// the pointer and shared-device histories stay intact.
const (
	currentKey   = "guest/current"
	recordPrefix = "guest/session/"
)

// KV is the checkpoint persistence consumed by the tracker.
type KV interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
	KVRemove(ctx context.Context, key string) error
}

// Tracker mutates guest session state. No other component writes it.
type Tracker struct {
	kv KV
	mu sync.Mutex
}

// NewTracker creates a tracker backed by the given KV store.
func NewTracker(kv KV) *Tracker {
	return &Tracker{kv: kv}
}

// GetOrCreateGuestSessionID returns the current session id, creating and
// persisting a new one on first guest-mode use. Idempotent across calls
// within the same local profile.
func (t *Tracker) GetOrCreateGuestSessionID(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok, err := t.kv.KVGet(ctx, currentKey)
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	record := types.GuestSession{
		ID:          ulid.Make().String(),
		CreatedAt:   time.Now().UTC(),
		MergedUsers: map[string]time.Time{},
	}
	if err := t.putRecord(ctx, &record); err != nil {
		return "", err
	}
	if err := t.kv.KVSet(ctx, currentKey, record.ID); err != nil {
		return "", fmt.Errorf("persist current session: %w", err)
	}

	slog.Info("guest session created",
		"component", "session",
		"session_id", record.ID,
	)
	return record.ID, nil
}

// CurrentSessionID returns the active session id without creating one.
// Empty string means no guest data has ever been written.
func (t *Tracker) CurrentSessionID(ctx context.Context) (string, error) {
	id, ok, err := t.kv.KVGet(ctx, currentKey)
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	if !ok {
		return "", nil
	}
	return id, nil
}

// GetGuestSessionRecord returns the session record, or nil when the id
// is unknown.
func (t *Tracker) GetGuestSessionRecord(ctx context.Context, id string) (*types.GuestSession, error) {
	raw, ok, err := t.kv.KVGet(ctx, recordPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var record types.GuestSession
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &record, nil
}

// MarkGuestSessionMergedForUser records that userID has absorbed the
// session. A second call for the same (id, userID) pair is a no-op;
// distinct users on a shared device are tracked independently.
func (t *Tracker) MarkGuestSessionMergedForUser(ctx context.Context, id, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, err := t.GetGuestSessionRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("mark merged: unknown session %q", id)
	}
	if record.MergedFor(userID) {
		return nil
	}

	if record.MergedUsers == nil {
		record.MergedUsers = map[string]time.Time{}
	}
	record.MergedUsers[userID] = time.Now().UTC()

	if err := t.putRecord(ctx, record); err != nil {
		return err
	}

	slog.Info("guest session marked merged",
		"component", "session",
		"session_id", id,
		"user_id", userID,
	)
	return nil
}

// ResetGuestSessionState clears the current session pointer and record.
// Used in tests and explicit start-fresh flows.
func (t *Tracker) ResetGuestSessionState(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok, err := t.kv.KVGet(ctx, currentKey)
	if err != nil {
		return fmt.Errorf("read current session: %w", err)
	}
	if ok && id != "" {
		if err := t.kv.KVRemove(ctx, recordPrefix+id); err != nil {
			return fmt.Errorf("remove session record: %w", err)
		}
	}
	if err := t.kv.KVRemove(ctx, currentKey); err != nil {
		return fmt.Errorf("remove current session: %w", err)
	}
	return nil
}

func (t *Tracker) putRecord(ctx context.Context, record *types.GuestSession) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if err := t.kv.KVSet(ctx, recordPrefix+record.ID, string(raw)); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	return nil
}
