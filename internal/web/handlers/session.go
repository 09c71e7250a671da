package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/session"
	"github.com/kozaktomas/facetrack/internal/syncer"
)

// SessionController is the part of session.Controller the API drives.
type SessionController interface {
	Start(ctx context.Context, req session.StartRequest) (*attendance.Session, error)
	Stop(ctx context.Context) error
	Status() session.Status
	Resume(ctx context.Context) (syncer.Result, error)
}

// SessionHandler serves session start/stop, status and manual sync.
type SessionHandler struct {
	ctrl SessionController
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(ctrl SessionController) *SessionHandler {
	return &SessionHandler{ctrl: ctrl}
}

// startRequest accepts schedule_id as a JSON string or number.
type startRequest struct {
	SessionID  string          `json:"session_id"`
	ScheduleID any             `json:"schedule_id"`
	ClassInfo  json.RawMessage `json:"class_info"`
}

func (r *startRequest) scheduleID() string {
	switch v := r.ScheduleID.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Start handles POST /api/v1/session/start.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	scheduleID := req.scheduleID()
	if scheduleID == "" {
		respondError(w, http.StatusBadRequest, "schedule_id is required")
		return
	}

	sess, err := h.ctrl.Start(r.Context(), session.StartRequest{
		SessionID:  strings.TrimSpace(req.SessionID),
		ScheduleID: scheduleID,
		ClassInfo:  req.ClassInfo,
	})
	switch {
	case errors.Is(err, attendance.ErrSessionAlreadyActive):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, attendance.ErrCameraUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Error("failed to start session", "schedule", sanitizeForLog(scheduleID), "err", err)
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	respondJSON(w, http.StatusCreated, sess)
}

// Stop handles POST /api/v1/session/stop. Stopping an idle controller succeeds.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(session.StateIdle)})
}

// Status handles GET /api/v1/status.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.Status())
}

// Sync handles POST /api/v1/sync. Undelivered items stay queued; the
// response reports what was pushed.
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.Resume(r.Context())
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}
