package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Collection names for the remote store. Every migration-aware component
// iterates these in this order.
const (
	CollectionTrips       = "trips"
	CollectionWeatherLogs = "weather_logs"
	CollectionFishCaught  = "fish_caught"
)

// Collections returns the configured remote collections in stable order.
func Collections() []string {
	return []string{CollectionTrips, CollectionWeatherLogs, CollectionFishCaught}
}

// Trip is a single fishing outing. Records created while unauthenticated
// carry the guest session id that owned them at creation time.
type Trip struct {
	ID             string    `json:"id"`
	GuestSessionID string    `json:"guest_session_id,omitempty"`
	Date           string    `json:"date"` // YYYY-MM-DD
	Water          string    `json:"water"`
	Location       string    `json:"location"`
	Hours          float64   `json:"hours"`
	Companions     string    `json:"companions,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WeatherLog is an observation attached to a trip by local id.
type WeatherLog struct {
	ID             string    `json:"id"`
	TripID         string    `json:"trip_id"`
	GuestSessionID string    `json:"guest_session_id,omitempty"`
	RecordedAt     string    `json:"recorded_at"` // YYYY-MM-DDTHH:MM
	Conditions     string    `json:"conditions"`
	TempF          float64   `json:"temp_f"`
	WindMPH        float64   `json:"wind_mph"`
	PressureInHg   float64   `json:"pressure_inhg,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FishCaught is a catch record attached to a trip by local id.
type FishCaught struct {
	ID             string    `json:"id"`
	TripID         string    `json:"trip_id"`
	GuestSessionID string    `json:"guest_session_id,omitempty"`
	Species        string    `json:"species"`
	LengthIn       float64   `json:"length_in,omitempty"`
	WeightLb       float64   `json:"weight_lb,omitempty"`
	CaughtAt       string    `json:"caught_at,omitempty"` // YYYY-MM-DDTHH:MM
	Bait           string    `json:"bait,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// GuestSession is the durable record of an anonymous local identity and
// which authenticated users have already absorbed it.
type GuestSession struct {
	ID          string               `json:"id"`
	CreatedAt   time.Time            `json:"created_at"`
	MergedUsers map[string]time.Time `json:"merged_users"`
}

// MergedFor reports whether the session has already been merged into the
// given user's cloud records.
func (g *GuestSession) MergedFor(userID string) bool {
	if g == nil || g.MergedUsers == nil {
		return false
	}
	_, ok := g.MergedUsers[userID]
	return ok
}

// MergeSummary describes one merge pass. Produced fresh on every
// invocation and never persisted.
type MergeSummary struct {
	MergedTrips       int      `json:"merged_trips"`
	MergedWeatherLogs int      `json:"merged_weather_logs"`
	MergedFishCaught  int      `json:"merged_fish_caught"`
	MergedSessions    []string `json:"merged_sessions"`
}

// MigrationError is the terminal error payload for a collection whose
// migration hit a structural query failure (missing composite index).
type MigrationError struct {
	Collection string `json:"collection"`
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	ConsoleURL string `json:"console_url,omitempty"`
}

// CollectionState is the per-collection, per-user migration progress.
// Counters are monotonically non-decreasing while Done is false; once
// Done is true they only change on an explicit reset or force-restart.
type CollectionState struct {
	Processed int64           `json:"processed"`
	Updated   int64           `json:"updated"`
	Done      bool            `json:"done"`
	Err       *MigrationError `json:"error,omitempty"`
}

// MigrationSnapshot is the synchronously-readable aggregate view of
// migration state. Derived on every read, never stored.
type MigrationSnapshot struct {
	Running     bool                       `json:"running"`
	AllDone     bool                       `json:"all_done"`
	Collections map[string]CollectionState `json:"collections"`
}

// ProgressView is the aggregator's derived view republished to
// listeners while a migration is running.
type ProgressView struct {
	Running        bool                       `json:"running"`
	AllDone        bool                       `json:"all_done"`
	TotalProcessed int64                      `json:"total_processed"`
	TotalUpdated   int64                      `json:"total_updated"`
	Collections    map[string]CollectionState `json:"collections"`
}

// IdentityKey computes the trip's composite identity key: a SHA-256 hex
// digest over the normalized semantically-identifying fields. Two trips
// with the same key under the same guest session are the same logical
// entity across repeated merge attempts. First write wins; a later
// identical-key write is treated as already merged.
func (t Trip) IdentityKey() string {
	return hashFields(
		normalize(t.Date),
		normalize(t.Water),
		normalize(t.Location),
		strconv.FormatFloat(t.Hours, 'f', -1, 64),
		normalize(t.Companions),
	)
}

// IdentityKey computes the weather log's composite identity key, scoped
// by the parent trip's key so identical observations on different trips
// stay distinct.
func (w WeatherLog) IdentityKey(tripKey string) string {
	return hashFields(
		tripKey,
		normalize(w.RecordedAt),
		normalize(w.Conditions),
		strconv.FormatFloat(w.TempF, 'f', -1, 64),
		strconv.FormatFloat(w.WindMPH, 'f', -1, 64),
	)
}

// IdentityKey computes the catch record's composite identity key, scoped
// by the parent trip's key.
func (f FishCaught) IdentityKey(tripKey string) string {
	return hashFields(
		tripKey,
		normalize(f.Species),
		strconv.FormatFloat(f.LengthIn, 'f', -1, 64),
		strconv.FormatFloat(f.WeightLb, 'f', -1, 64),
		normalize(f.CaughtAt),
	)
}

// normalize lowercases, trims, and collapses interior whitespace so
// cosmetic differences never split one logical entity into two.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
