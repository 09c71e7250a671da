package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/logger"
)

// RecordReader reads the local attendance record.
type RecordReader interface {
	ConfirmationsBySession(ctx context.Context, sessionID string) ([]attendance.Confirmation, error)
	ListSessions(ctx context.Context, limit int) ([]attendance.Session, error)
}

// IdentityLister lists enrolled identities.
type IdentityLister interface {
	Identities() []attendance.Identity
}

// RecordHandler serves the stored sessions and confirmations and the roster.
type RecordHandler struct {
	store    RecordReader
	registry IdentityLister
}

// NewRecordHandler creates a record handler.
func NewRecordHandler(store RecordReader, registry IdentityLister) *RecordHandler {
	return &RecordHandler{store: store, registry: registry}
}

// ListSessions handles GET /api/v1/sessions?limit=N.
func (h *RecordHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list sessions", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// Confirmations handles GET /api/v1/sessions/{id}/confirmations.
func (h *RecordHandler) Confirmations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	confirmations, err := h.store.ConfirmationsBySession(r.Context(), id)
	if err != nil {
		logger.Error("failed to read confirmations", "session", sanitizeForLog(id), "err", err)
		respondError(w, http.StatusInternalServerError, "failed to read confirmations")
		return
	}
	if confirmations == nil {
		confirmations = []attendance.Confirmation{}
	}
	respondJSON(w, http.StatusOK, confirmations)
}

// Identities handles GET /api/v1/identities.
func (h *RecordHandler) Identities(w http.ResponseWriter, r *http.Request) {
	identities := h.registry.Identities()
	if identities == nil {
		identities = []attendance.Identity{}
	}
	respondJSON(w, http.StatusOK, identities)
}
