package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soilscope/advisory-platform/internal/middleware"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/internal/service"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	requester, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.AppendMessage(r.Context(), requester, conversationID, req.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
