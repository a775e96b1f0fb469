// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soilscope/advisory-platform/internal/middleware"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/internal/service"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations. An existing conversation with the
// same expert and data type is reused.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req model.CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.InitiateConversation(r.Context(), requester, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"), 20, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.ListConversations(r.Context(), requester, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.service.GetConversation(r.Context(), requester, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}
