package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castline/castline/internal/types"
)

// Sessions is the slice of the guest session tracker the API exposes.
type Sessions interface {
	GetOrCreateGuestSessionID(ctx context.Context) (string, error)
	GetGuestSessionRecord(ctx context.Context, id string) (*types.GuestSession, error)
}

// Merger runs a guest-to-cloud merge pass for a user.
type Merger interface {
	MergeLocalDataForUser(ctx context.Context, userID string) (*types.MergeSummary, error)
}

// Migration is the aggregator surface the API drives.
type Migration interface {
	Start(ctx context.Context, userID string) error
	ForceRestart(ctx context.Context) error
	View() types.ProgressView
}

// Lifecycle handles logout sequencing.
type Lifecycle interface {
	OnLogout(ctx context.Context) error
}

// Handler implements the API handlers
type Handler struct {
	sessions  Sessions
	merger    Merger
	migration Migration
	lifecycle Lifecycle
	apiKey    string
	version   string
}

// NewHandler creates a new Handler.
func NewHandler(sessions Sessions, merger Merger, migration Migration, lifecycle Lifecycle, apiKey, version string) *Handler {
	return &Handler{
		sessions:  sessions,
		merger:    merger,
		migration: migration,
		lifecycle: lifecycle,
		apiKey:    apiKey,
		version:   version,
	}
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// SessionResponse is the POST /v1/session body.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "healthy", Version: h.version})
}

// CreateSession handles POST /v1/session: returns the current guest
// session id, creating one on first use.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.GetOrCreateGuestSessionID(r.Context())
	if err != nil {
		slog.Error("get or create session failed", "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, SessionResponse{SessionID: id})
}

// GetSession handles GET /v1/session/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := h.sessions.GetGuestSessionRecord(r.Context(), id)
	if err != nil {
		slog.Error("read session failed", "session_id", id, "error", err)
		MapDomainError(w, r, err)
		return
	}
	if record == nil {
		WriteProblem(w, r, http.StatusNotFound, "Unknown guest session")
		return
	}
	writeJSON(w, record)
}

// Merge handles POST /v1/users/{userID}/merge: runs a merge pass and
// returns its summary. Safe to call repeatedly; a pass after a
// successful one reports all-zero counters.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing user id")
		return
	}

	summary, err := h.merger.MergeLocalDataForUser(r.Context(), userID)
	if err != nil {
		slog.Error("merge pass failed", "user_id", userID, "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, summary)
}

// StartMigration handles POST /v1/users/{userID}/migration/start.
func (h *Handler) StartMigration(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing user id")
		return
	}

	if err := h.migration.Start(r.Context(), userID); err != nil {
		slog.Error("start migration failed", "user_id", userID, "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, h.migration.View())
}

// RestartMigration handles POST /v1/users/{userID}/migration/restart:
// the recovery path after a missing index has been created.
func (h *Handler) RestartMigration(w http.ResponseWriter, r *http.Request) {
	if err := h.migration.ForceRestart(r.Context()); err != nil {
		slog.Error("force restart failed", "error", err)
		MapDomainError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, h.migration.View())
}

// MigrationStatus handles GET /v1/migration/status.
func (h *Handler) MigrationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.migration.View())
}

// Logout handles POST /v1/users/{userID}/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.OnLogout(r.Context()); err != nil {
		slog.Error("logout failed", "error", err)
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
