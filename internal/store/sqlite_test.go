package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/castline/castline/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "castline.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_TripLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTrip(ctx, types.Trip{
		GuestSessionID: "abc",
		Date:           "2025-06-14",
		Water:          "Lake Lanier",
		Location:       "Browns Bridge",
		Hours:          4.5,
		Companions:     "Sam",
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated trip id")
	}

	got, err := s.GetTrip(ctx, created.ID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if got.Water != "Lake Lanier" || got.GuestSessionID != "abc" {
		t.Errorf("unexpected trip round-trip: %+v", got)
	}

	got.Notes = "good topwater bite at dawn"
	if err := s.UpdateTrip(ctx, *got); err != nil {
		t.Fatalf("update trip: %v", err)
	}

	trips, err := s.GetAllTrips(ctx)
	if err != nil {
		t.Fatalf("get all trips: %v", err)
	}
	if len(trips) != 1 || trips[0].Notes != "good topwater bite at dawn" {
		t.Errorf("unexpected trips: %+v", trips)
	}

	if err := s.DeleteTrip(ctx, created.ID); err != nil {
		t.Fatalf("delete trip: %v", err)
	}
	if _, err := s.GetTrip(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_ChildRecordsFollowTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trip, err := s.CreateTrip(ctx, types.Trip{Date: "2025-06-14", Water: "Chattahoochee", Location: "Island Ford", Hours: 2})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}

	if _, err := s.CreateWeatherLog(ctx, types.WeatherLog{
		TripID: trip.ID, RecordedAt: "2025-06-14T06:30", Conditions: "overcast", TempF: 68, WindMPH: 5,
	}); err != nil {
		t.Fatalf("create weather log: %v", err)
	}
	if _, err := s.CreateFishCaught(ctx, types.FishCaught{
		TripID: trip.ID, Species: "rainbow trout", LengthIn: 14, CaughtAt: "2025-06-14T07:10", Bait: "wooly bugger",
	}); err != nil {
		t.Fatalf("create fish caught: %v", err)
	}

	logs, err := s.GetWeatherLogsForTrip(ctx, trip.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 weather log, got %d (err=%v)", len(logs), err)
	}
	fish, err := s.GetFishCaughtForTrip(ctx, trip.ID)
	if err != nil || len(fish) != 1 {
		t.Fatalf("expected 1 fish, got %d (err=%v)", len(fish), err)
	}

	// Deleting the parent cascades to children
	if err := s.DeleteTrip(ctx, trip.ID); err != nil {
		t.Fatalf("delete trip: %v", err)
	}
	logs, err = s.GetWeatherLogsForTrip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("get weather logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected cascade delete of weather logs, got %d", len(logs))
	}
}

func TestSQLiteStore_KVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.KVGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss without error, got ok=%v err=%v", ok, err)
	}

	if err := s.KVSet(ctx, "migration/u1/trips", `{"cursor":"01ABC"}`); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := s.KVSet(ctx, "migration/u1/trips", `{"cursor":"01DEF"}`); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}

	value, ok, err := s.KVGet(ctx, "migration/u1/trips")
	if err != nil || !ok {
		t.Fatalf("kv get: ok=%v err=%v", ok, err)
	}
	if value != `{"cursor":"01DEF"}` {
		t.Errorf("unexpected value: %s", value)
	}

	if err := s.KVRemove(ctx, "migration/u1/trips"); err != nil {
		t.Fatalf("kv remove: %v", err)
	}
	if _, ok, _ := s.KVGet(ctx, "migration/u1/trips"); ok {
		t.Error("expected key removed")
	}

	// Removing a missing key is not an error
	if err := s.KVRemove(ctx, "migration/u1/trips"); err != nil {
		t.Errorf("remove of missing key: %v", err)
	}
}

func TestSQLiteStore_ClearAllData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trip, err := s.CreateTrip(ctx, types.Trip{Date: "2025-06-14", Water: "Lake Lanier", Location: "Dam", Hours: 3})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if _, err := s.CreateFishCaught(ctx, types.FishCaught{TripID: trip.ID, Species: "spotted bass"}); err != nil {
		t.Fatalf("create fish: %v", err)
	}
	if err := s.KVSet(ctx, "guest/current", "01SESSION"); err != nil {
		t.Fatalf("kv set: %v", err)
	}

	if err := s.ClearAllData(ctx); err != nil {
		t.Fatalf("clear all data: %v", err)
	}

	trips, err := s.GetAllTrips(ctx)
	if err != nil {
		t.Fatalf("get all trips: %v", err)
	}
	if len(trips) != 0 {
		t.Errorf("expected no trips after clear, got %d", len(trips))
	}
	if _, ok, _ := s.KVGet(ctx, "guest/current"); ok {
		t.Error("expected kv cleared")
	}
}
