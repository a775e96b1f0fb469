package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/soilscope/advisory-platform/internal/activity"
	"github.com/soilscope/advisory-platform/internal/middleware"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

// ActivityHandler handles activity tracking and session endpoints.
type ActivityHandler struct {
	registry *activity.Registry
	logger   *logger.Logger
}

// NewActivityHandler creates a new activity handler.
func NewActivityHandler(registry *activity.Registry, log *logger.Logger) *ActivityHandler {
	return &ActivityHandler{
		registry: registry,
		logger:   log,
	}
}

// Track handles POST /api/v1/activity. A missing session id starts a new session
// under a generated id, which the client should send with later activities.
func (h *ActivityHandler) Track(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req model.TrackActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.SessionID == "" {
		req.SessionID = ulid.Make().String()
	} else if err := middleware.ValidateSessionID(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateActivityURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.TrackActivity(r.Context(), requester.UserID, req.SessionID, req.URL, req.Metadata); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, model.TrackActivityResponse{SessionID: req.SessionID})
}

// End handles POST /api/v1/sessions/:sessionId/end. Session ids are scoped to
// the caller; unknown ids are a no-op.
func (h *ActivityHandler) End(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.EndSession(r.Context(), requester.UserID, sessionID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sessions handles GET /api/v1/sessions
func (h *ActivityHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"), 20, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := h.registry.GetUserSessions(r.Context(), requester.UserID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ListSessionsResponse{Sessions: sessions})
}

// Activities handles GET /api/v1/sessions/:sessionId/activities. Ids the
// caller has no session under read as empty.
func (h *ActivityHandler) Activities(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	activities, err := h.registry.GetSessionActivities(r.Context(), requester.UserID, sessionID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ListActivitiesResponse{SessionID: sessionID, Activities: activities})
}

// Stats handles GET /api/v1/activity/stats
func (h *ActivityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	stats, err := h.registry.GetStats(r.Context(), requester.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
