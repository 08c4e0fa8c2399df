// Package merge reconciles guest-mode local records into an
// authenticated user's cloud records, exactly once per (guest session,
// user) pair. The engine tolerates retried passes after partial failure
// by probing composite identity keys before every write.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/castline/castline/internal/cloud"
	"github.com/castline/castline/internal/retry"
	"github.com/castline/castline/internal/types"
)

// ErrInvalidRecord marks a single malformed local record. The engine
// skips these and continues the pass.
var ErrInvalidRecord = errors.New("invalid record")

// LocalStore is the slice of the local store the merge engine reads.
type LocalStore interface {
	GetAllTrips(ctx context.Context) ([]types.Trip, error)
	GetWeatherLogsForTrip(ctx context.Context, tripID string) ([]types.WeatherLog, error)
	GetFishCaughtForTrip(ctx context.Context, tripID string) ([]types.FishCaught, error)
}

// SessionTracker is the slice of the guest session tracker the engine
// consults before and after a pass.
type SessionTracker interface {
	CurrentSessionID(ctx context.Context) (string, error)
	GetGuestSessionRecord(ctx context.Context, id string) (*types.GuestSession, error)
	MarkGuestSessionMergedForUser(ctx context.Context, id, userID string) error
}

// RecordSealer encrypts record payloads for cloud storage.
type RecordSealer interface {
	SealForUser(userID string, plaintext []byte) ([]byte, error)
}

// Engine performs the guest-to-cloud merge.
type Engine struct {
	local    LocalStore
	cloud    cloud.Store
	sessions SessionTracker
	sealer   RecordSealer
	policy   retry.Policy

	// mu serializes passes: a second concurrent call for the same user
	// blocks until the in-flight pass completes, then runs its own
	// (idempotent) pass. Deferred, never duplicated.
	mu sync.Mutex
}

// NewEngine creates a merge engine.
func NewEngine(local LocalStore, remote cloud.Store, sessions SessionTracker, sealer RecordSealer, policy retry.Policy) *Engine {
	return &Engine{
		local:    local,
		cloud:    remote,
		sessions: sessions,
		sealer:   sealer,
		policy:   policy,
	}
}

// MergeLocalDataForUser walks local trips tagged with the current guest
// session and reconciles them into the user's cloud records. It returns
// a fresh summary; a second invocation after a successful pass yields
// all-zero counters.
//
// A malformed record is skipped and logged. Total local-storage failure
// aborts the pass and propagates, so the caller must not delete local
// data. A remote batch that still fails after retries leaves its trip
// unmerged for a later pass.
func (e *Engine) MergeLocalDataForUser(ctx context.Context, userID string) (*types.MergeSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := &types.MergeSummary{MergedSessions: []string{}}

	sessionID, err := e.sessions.CurrentSessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read guest session: %w", err)
	}
	if sessionID == "" {
		// No guest data has ever been written.
		return summary, nil
	}

	record, err := e.sessions.GetGuestSessionRecord(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read guest session record: %w", err)
	}
	if record.MergedFor(userID) {
		// Already absorbed by this user; the session contributed on an
		// earlier pass.
		summary.MergedSessions = append(summary.MergedSessions, sessionID)
		return summary, nil
	}

	trips, err := e.local.GetAllTrips(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate local trips: %w", err)
	}

	var contributed bool
	var failedBatches int
	for _, trip := range trips {
		if trip.GuestSessionID != sessionID {
			continue
		}
		if err := validateTrip(trip); err != nil {
			slog.Warn("skipping malformed local trip",
				"component", "merge",
				"trip_id", trip.ID,
				"error", err,
			)
			continue
		}

		merged, err := e.mergeTrip(ctx, userID, trip)
		if err != nil {
			if isLocalFailure(err) {
				return nil, err
			}
			slog.Error("trip batch failed, leaving unmerged",
				"component", "merge",
				"trip_id", trip.ID,
				"user_id", userID,
				"error", err,
			)
			failedBatches++
			continue
		}

		contributed = true
		if merged != nil {
			summary.MergedTrips++
			summary.MergedWeatherLogs += merged.weatherLogs
			summary.MergedFishCaught += merged.fishCaught
		}
	}

	if contributed {
		summary.MergedSessions = append(summary.MergedSessions, sessionID)
	}

	// Write-then-mark ordering: the session is recorded as merged only
	// after every batch landed, so a crash mid-merge never falsely marks
	// completion. A pass that merged nothing leaves the session unmarked;
	// marked always means the session contributed records for this user.
	if failedBatches == 0 && contributed {
		if err := e.sessions.MarkGuestSessionMergedForUser(ctx, sessionID, userID); err != nil {
			// Non-fatal: the next pass re-probes identity keys and
			// arrives at the same zero-counter result.
			slog.Error("failed to mark session merged",
				"component", "merge",
				"session_id", sessionID,
				"user_id", userID,
				"error", err,
			)
		}
	}

	slog.Info("merge pass completed",
		"component", "merge",
		"session_id", sessionID,
		"user_id", userID,
		"merged_trips", summary.MergedTrips,
		"merged_weather_logs", summary.MergedWeatherLogs,
		"merged_fish_caught", summary.MergedFishCaught,
		"failed_batches", failedBatches,
	)
	return summary, nil
}

// mergedCounts reports what one trip's batch added. Nil result with nil
// error means the trip already existed remotely.
type mergedCounts struct {
	weatherLogs int
	fishCaught  int
}

func (e *Engine) mergeTrip(ctx context.Context, userID string, trip types.Trip) (*mergedCounts, error) {
	tripKey := trip.IdentityKey()

	var exists bool
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		var probeErr error
		exists, probeErr = e.cloud.ExistsByIdentityKey(ctx, userID, types.CollectionTrips, tripKey)
		return probeErr
	})
	if err != nil {
		return nil, fmt.Errorf("probe trip %s: %w", trip.ID, err)
	}
	if exists {
		// First write wins: an identical-key trip is the same logical
		// entity, already merged by an earlier (possibly partial) pass.
		return nil, nil
	}

	weather, err := e.local.GetWeatherLogsForTrip(ctx, trip.ID)
	if err != nil {
		return nil, localFailure(fmt.Errorf("read weather logs for trip %s: %w", trip.ID, err))
	}
	fish, err := e.local.GetFishCaughtForTrip(ctx, trip.ID)
	if err != nil {
		return nil, localFailure(fmt.Errorf("read fish caught for trip %s: %w", trip.ID, err))
	}

	docs, counts, err := e.buildBatch(userID, trip, tripKey, weather, fish)
	if err != nil {
		return nil, err
	}

	// The trip and all its children land as one atomic batch.
	err = e.policy.Do(ctx, func(ctx context.Context) error {
		return e.cloud.BatchPut(ctx, docs)
	})
	if err != nil {
		return nil, fmt.Errorf("write batch for trip %s: %w", trip.ID, err)
	}
	return counts, nil
}

func (e *Engine) buildBatch(userID string, trip types.Trip, tripKey string, weather []types.WeatherLog, fish []types.FishCaught) ([]cloud.Doc, *mergedCounts, error) {
	counts := &mergedCounts{}
	docs := make([]cloud.Doc, 0, 1+len(weather)+len(fish))

	tripDoc, err := e.sealDoc(userID, types.CollectionTrips, trip.ID, tripKey, trip)
	if err != nil {
		return nil, nil, err
	}
	docs = append(docs, *tripDoc)

	for _, w := range weather {
		if w.RecordedAt == "" {
			slog.Warn("skipping malformed weather log",
				"component", "merge",
				"weather_log_id", w.ID,
			)
			continue
		}
		doc, err := e.sealDoc(userID, types.CollectionWeatherLogs, w.ID, w.IdentityKey(tripKey), w)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, *doc)
		counts.weatherLogs++
	}

	for _, f := range fish {
		if f.Species == "" {
			slog.Warn("skipping malformed fish record",
				"component", "merge",
				"fish_id", f.ID,
			)
			continue
		}
		doc, err := e.sealDoc(userID, types.CollectionFishCaught, f.ID, f.IdentityKey(tripKey), f)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, *doc)
		counts.fishCaught++
	}

	return docs, counts, nil
}

func (e *Engine) sealDoc(userID, collection, id, identityKey string, record any) (*cloud.Doc, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", collection, id, err)
	}
	payload, err := e.sealer.SealForUser(userID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal %s %s: %w", collection, id, err)
	}
	return &cloud.Doc{
		ID:          id,
		Collection:  collection,
		OwnerID:     userID,
		IdentityKey: identityKey,
		Payload:     payload,
		EncVersion:  1,
	}, nil
}

// validateTrip rejects records missing semantically-identifying fields;
// their identity key would collide meaninglessly.
func validateTrip(trip types.Trip) error {
	if trip.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if trip.Date == "" || trip.Water == "" {
		return fmt.Errorf("%w: trip %s missing date or water", ErrInvalidRecord, trip.ID)
	}
	return nil
}

// localFailureError marks errors from the local store mid-pass; these
// abort the whole pass instead of skipping one trip.
type localFailureError struct{ err error }

func (l *localFailureError) Error() string { return l.err.Error() }
func (l *localFailureError) Unwrap() error { return l.err }

func localFailure(err error) error { return &localFailureError{err: err} }

func isLocalFailure(err error) bool {
	var lf *localFailureError
	return errors.As(err, &lf)
}
