package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/castline/castline/internal/types"
)

// SQLiteStore is the SQLite-backed local record store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the local database at dbPath.
// It enables WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DatabasePath returns the on-disk path, used by the backup uploader.
func (s *SQLiteStore) DatabasePath() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unavailable wraps a driver error so callers can recognize total
// local-storage failure via errors.Is(err, ErrUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// --- Trips ---

// GetAllTrips returns every trip ordered by creation time.
func (s *SQLiteStore) GetAllTrips(ctx context.Context) ([]types.Trip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guest_session_id, date, water, location, hours, companions, notes, created_at, updated_at
		FROM trips ORDER BY created_at, id
	`)
	if err != nil {
		return nil, unavailable("query trips", err)
	}
	defer rows.Close()

	var trips []types.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, unavailable("scan trip", err)
		}
		trips = append(trips, *trip)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate trips", err)
	}
	return trips, nil
}

// GetTrip returns a single trip by id.
func (s *SQLiteStore) GetTrip(ctx context.Context, id string) (*types.Trip, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guest_session_id, date, water, location, hours, companions, notes, created_at, updated_at
		FROM trips WHERE id = ?
	`, id)
	trip, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get trip", err)
	}
	return trip, nil
}

// CreateTrip inserts a new trip, assigning id and timestamps.
func (s *SQLiteStore) CreateTrip(ctx context.Context, trip types.Trip) (*types.Trip, error) {
	now := time.Now().UTC()
	trip.ID = ulid.Make().String()
	trip.CreatedAt = now
	trip.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (id, guest_session_id, date, water, location, hours, companions, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trip.ID, trip.GuestSessionID, trip.Date, trip.Water, trip.Location, trip.Hours, trip.Companions, trip.Notes,
		trip.CreatedAt.Format(time.RFC3339), trip.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, unavailable("insert trip", err)
	}
	return &trip, nil
}

// UpdateTrip overwrites the mutable fields of an existing trip.
func (s *SQLiteStore) UpdateTrip(ctx context.Context, trip types.Trip) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trips SET date = ?, water = ?, location = ?, hours = ?, companions = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, trip.Date, trip.Water, trip.Location, trip.Hours, trip.Companions, trip.Notes,
		time.Now().UTC().Format(time.RFC3339), trip.ID)
	if err != nil {
		return unavailable("update trip", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrip removes a trip; child records cascade.
func (s *SQLiteStore) DeleteTrip(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM trips WHERE id = ?", id)
	if err != nil {
		return unavailable("delete trip", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Weather logs ---

// GetAllWeatherLogs returns every weather log ordered by creation time.
func (s *SQLiteStore) GetAllWeatherLogs(ctx context.Context) ([]types.WeatherLog, error) {
	return s.queryWeatherLogs(ctx, `
		SELECT id, trip_id, guest_session_id, recorded_at, conditions, temp_f, wind_mph, pressure_inhg, created_at
		FROM weather_logs ORDER BY created_at, id
	`)
}

// GetWeatherLogsForTrip returns the logs attached to a trip.
func (s *SQLiteStore) GetWeatherLogsForTrip(ctx context.Context, tripID string) ([]types.WeatherLog, error) {
	return s.queryWeatherLogs(ctx, `
		SELECT id, trip_id, guest_session_id, recorded_at, conditions, temp_f, wind_mph, pressure_inhg, created_at
		FROM weather_logs WHERE trip_id = ? ORDER BY created_at, id
	`, tripID)
}

func (s *SQLiteStore) queryWeatherLogs(ctx context.Context, query string, args ...any) ([]types.WeatherLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query weather logs", err)
	}
	defer rows.Close()

	var logs []types.WeatherLog
	for rows.Next() {
		var w types.WeatherLog
		var createdAt string
		if err := rows.Scan(&w.ID, &w.TripID, &w.GuestSessionID, &w.RecordedAt, &w.Conditions,
			&w.TempF, &w.WindMPH, &w.PressureInHg, &createdAt); err != nil {
			return nil, unavailable("scan weather log", err)
		}
		w.CreatedAt = parseTime(createdAt)
		logs = append(logs, w)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate weather logs", err)
	}
	return logs, nil
}

// CreateWeatherLog inserts a new weather log, assigning id and timestamp.
func (s *SQLiteStore) CreateWeatherLog(ctx context.Context, log types.WeatherLog) (*types.WeatherLog, error) {
	log.ID = ulid.Make().String()
	log.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_logs (id, trip_id, guest_session_id, recorded_at, conditions, temp_f, wind_mph, pressure_inhg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.TripID, log.GuestSessionID, log.RecordedAt, log.Conditions, log.TempF, log.WindMPH, log.PressureInHg,
		log.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, unavailable("insert weather log", err)
	}
	return &log, nil
}

// DeleteWeatherLog removes a single weather log.
func (s *SQLiteStore) DeleteWeatherLog(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM weather_logs WHERE id = ?", id)
	if err != nil {
		return unavailable("delete weather log", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Fish caught ---

// GetAllFishCaught returns every catch record ordered by creation time.
func (s *SQLiteStore) GetAllFishCaught(ctx context.Context) ([]types.FishCaught, error) {
	return s.queryFishCaught(ctx, `
		SELECT id, trip_id, guest_session_id, species, length_in, weight_lb, caught_at, bait, created_at
		FROM fish_caught ORDER BY created_at, id
	`)
}

// GetFishCaughtForTrip returns the catch records attached to a trip.
func (s *SQLiteStore) GetFishCaughtForTrip(ctx context.Context, tripID string) ([]types.FishCaught, error) {
	return s.queryFishCaught(ctx, `
		SELECT id, trip_id, guest_session_id, species, length_in, weight_lb, caught_at, bait, created_at
		FROM fish_caught WHERE trip_id = ? ORDER BY created_at, id
	`, tripID)
}

func (s *SQLiteStore) queryFishCaught(ctx context.Context, query string, args ...any) ([]types.FishCaught, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query fish caught", err)
	}
	defer rows.Close()

	var fish []types.FishCaught
	for rows.Next() {
		var f types.FishCaught
		var createdAt string
		if err := rows.Scan(&f.ID, &f.TripID, &f.GuestSessionID, &f.Species, &f.LengthIn,
			&f.WeightLb, &f.CaughtAt, &f.Bait, &createdAt); err != nil {
			return nil, unavailable("scan fish caught", err)
		}
		f.CreatedAt = parseTime(createdAt)
		fish = append(fish, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate fish caught", err)
	}
	return fish, nil
}

// CreateFishCaught inserts a new catch record, assigning id and timestamp.
func (s *SQLiteStore) CreateFishCaught(ctx context.Context, fish types.FishCaught) (*types.FishCaught, error) {
	fish.ID = ulid.Make().String()
	fish.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fish_caught (id, trip_id, guest_session_id, species, length_in, weight_lb, caught_at, bait, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fish.ID, fish.TripID, fish.GuestSessionID, fish.Species, fish.LengthIn, fish.WeightLb, fish.CaughtAt, fish.Bait,
		fish.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, unavailable("insert fish caught", err)
	}
	return &fish, nil
}

// DeleteFishCaught removes a single catch record.
func (s *SQLiteStore) DeleteFishCaught(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM fish_caught WHERE id = ?", id)
	if err != nil {
		return unavailable("delete fish caught", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- KV checkpoint persistence ---

// KVGet returns the value for key and whether it exists.
func (s *SQLiteStore) KVGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("kv get", err)
	}
	return value, true, nil
}

// KVSet upserts a key/value pair.
func (s *SQLiteStore) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return unavailable("kv set", err)
	}
	return nil
}

// KVRemove deletes a key. Removing a missing key is not an error.
func (s *SQLiteStore) KVRemove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return unavailable("kv remove", err)
	}
	return nil
}

// ClearAllData wipes every local table, including guest session records
// and migration checkpoints. Callers are responsible for ensuring the
// merge pass has at least been invoked first.
func (s *SQLiteStore) ClearAllData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"fish_caught", "weather_logs", "trips", "kv_store"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return unavailable("clear "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit clear", err)
	}
	return nil
}

func scanTrip(scanner interface{ Scan(...any) error }) (*types.Trip, error) {
	var t types.Trip
	var createdAt, updatedAt string
	err := scanner.Scan(&t.ID, &t.GuestSessionID, &t.Date, &t.Water, &t.Location, &t.Hours,
		&t.Companions, &t.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
