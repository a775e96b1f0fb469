// Package service holds the consultation business logic between the HTTP handlers and storage.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/crypto"
	"github.com/soilscope/advisory-platform/internal/llm"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/internal/store"
	"github.com/soilscope/advisory-platform/pkg/logger"
	"github.com/soilscope/advisory-platform/pkg/metrics"
	"github.com/soilscope/advisory-platform/pkg/tracing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// EventPublisher receives conversation lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) error
}

// ConversationService creates, reads and appends to encrypted conversations.
//
// Payloads are sealed with a secret derived from the server secret and the
// record owner's id. Only the owner and the assigned expert may read or write.
type ConversationService struct {
	repo       store.ConversationRepository
	baseSecret string
	events     EventPublisher
	llm        llm.Client
	llmModel   string
	logger     *logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a ConversationService.
type Option func(*ConversationService)

// WithEvents publishes lifecycle events to p.
func WithEvents(p EventPublisher) Option {
	return func(s *ConversationService) { s.events = p }
}

// WithLLM answers AI conversations with client using the given model.
func WithLLM(client llm.Client, model string) Option {
	return func(s *ConversationService) {
		s.llm = client
		s.llmModel = model
	}
}

// WithLogger sets the service logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *ConversationService) { s.logger = log }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationService) { s.now = now }
}

// NewConversationService creates a new conversation service.
func NewConversationService(repo store.ConversationRepository, baseSecret string, opts ...Option) *ConversationService {
	s := &ConversationService{
		repo:       repo,
		baseSecret: baseSecret,
		logger:     logger.Nop(),
		tracer:     tracing.Tracer("soilscope/service"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateConversation stores a new conversation owned by requester and returns its id.
func (s *ConversationService) CreateConversation(ctx context.Context, requester model.Identity, req *model.CreateConversationRequest) (id string, err error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.CreateConversation")
	defer func() { endSpan(span, err) }()

	if err := validateCreate(req); err != nil {
		return "", err
	}

	now := s.now().UTC()
	conv := &model.Conversation{
		OwnerID:       requester.UserID,
		ExpertID:      req.ExpertID,
		IsAIExpert:    req.IsAIExpert,
		DataType:      req.DataType,
		DataSelection: req.DataSelection,
		Messages:      []model.Message{},
	}
	if req.InitialMessage != "" {
		conv.Messages = append(conv.Messages, model.Message{
			Sender:    model.SenderUser,
			SenderID:  requester.UserID,
			Content:   req.InitialMessage,
			Timestamp: now,
		})
	}

	payload, err := crypto.Encode(conv, s.secretFor(requester.UserID))
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}

	rec := &store.ConversationRecord{
		OwnerID:  requester.UserID,
		ExpertID: optional(req.ExpertID),
		DataType: req.DataType,
		Payload:  payload,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	span.SetAttributes(attribute.String("conversation.id", rec.ID))
	metrics.ConversationsTotal.WithLabelValues(req.DataType, expertKind(conv)).Inc()
	if req.InitialMessage != "" {
		metrics.MessagesTotal.WithLabelValues(string(model.SenderUser)).Inc()
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", rec.ID),
		zap.String("owner_id", requester.UserID),
		zap.String("data_type", req.DataType),
		zap.Bool("ai_expert", req.IsAIExpert),
	)
	s.publish(ctx, rec, requester.UserID, model.EventTypeCreated, len(conv.Messages))

	if req.InitialMessage != "" && conv.IsAIExpert {
		s.replyAsAI(ctx, rec.ID)
	}

	return rec.ID, nil
}

// InitiateConversation returns the conversation requester already has with the
// same expert and data type, appending InitialMessage to it, or creates one.
func (s *ConversationService) InitiateConversation(ctx context.Context, requester model.Identity, req *model.CreateConversationRequest) (*model.CreateConversationResponse, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	rec, err := s.repo.FindOne(ctx, store.ConversationFilter{
		OwnerID:  requester.UserID,
		ExpertID: optional(req.ExpertID),
		DataType: req.DataType,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		id, err := s.CreateConversation(ctx, requester, req)
		if err != nil {
			return nil, err
		}
		return &model.CreateConversationResponse{ID: id, Created: true}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	if req.InitialMessage != "" {
		if _, err := s.AppendMessage(ctx, requester, rec.ID, req.InitialMessage); err != nil {
			return nil, err
		}
	}
	return &model.CreateConversationResponse{ID: rec.ID, Created: false}, nil
}

// GetConversation returns the decoded conversation if requester is its owner or assigned expert.
func (s *ConversationService) GetConversation(ctx context.Context, requester model.Identity, id string) (view *model.ConversationView, err error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.GetConversation",
		trace.WithAttributes(attribute.String("conversation.id", id)))
	defer func() { endSpan(span, err) }()

	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := participant(rec, requester.UserID); !ok {
		return nil, &apperr.ForbiddenError{}
	}

	conv, err := s.decode(ctx, rec)
	if err != nil {
		return nil, err
	}

	return &model.ConversationView{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		Conversation: *conv,
	}, nil
}

// ListConversations returns summaries of conversations requester owns or is assigned to.
// Payloads are not decrypted.
func (s *ConversationService) ListConversations(ctx context.Context, requester model.Identity, limit int) (*model.ListConversationsResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	recs, err := s.repo.ListByParticipant(ctx, requester.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]model.ConversationSummary, 0, len(recs))
	for _, rec := range recs {
		summary := model.ConversationSummary{
			ID:        rec.ID,
			OwnerID:   rec.OwnerID,
			DataType:  rec.DataType,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.ExpertID != nil {
			summary.ExpertID = *rec.ExpertID
		}
		out = append(out, summary)
	}

	return &model.ListConversationsResponse{
		Conversations: out,
		Total:         len(out),
	}, nil
}

func (s *ConversationService) secretFor(ownerID string) string {
	return crypto.DeriveSecret(s.baseSecret, ownerID)
}

func (s *ConversationService) load(ctx context.Context, id string) (*store.ConversationRecord, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &apperr.NotFoundError{Resource: "conversation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return rec, nil
}

// decode opens rec's payload with the owner-derived secret. Any failure is an
// integrity fault: the record was written by this service, so it must open.
func (s *ConversationService) decode(ctx context.Context, rec *store.ConversationRecord) (*model.Conversation, error) {
	var conv model.Conversation
	if err := crypto.Decode(rec.Payload, s.secretFor(rec.OwnerID), &conv); err != nil {
		metrics.PayloadIntegrityFailures.Inc()
		s.logger.Error("conversation payload failed integrity check",
			zap.String("conversation_id", rec.ID),
			zap.String("owner_id", rec.OwnerID),
			zap.Error(err),
		)
		s.publish(ctx, rec, "", model.EventTypeIntegrityFault, 0)
		return nil, &apperr.IntegrityError{Op: "decode conversation " + rec.ID, Err: err}
	}
	return &conv, nil
}

func (s *ConversationService) publish(ctx context.Context, rec *store.ConversationRecord, actorID string, eventType model.EventType, messageCount int) {
	if s.events == nil {
		return
	}

	event := &model.ConversationEvent{
		ID:             uuid.NewString(),
		ConversationID: rec.ID,
		OwnerID:        rec.OwnerID,
		ActorID:        actorID,
		Type:           eventType,
		DataType:       rec.DataType,
		MessageCount:   messageCount,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish conversation event",
			zap.String("conversation_id", rec.ID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}

func validateCreate(req *model.CreateConversationRequest) error {
	if req == nil {
		return &apperr.ValidationError{Message: "request body is required"}
	}
	if strings.TrimSpace(req.DataType) == "" {
		return &apperr.ValidationError{Field: "data_type", Message: "is required"}
	}
	if req.IsAIExpert && req.ExpertID != "" {
		return &apperr.ValidationError{Field: "expert_id", Message: "must be empty for AI conversations"}
	}
	if len(req.DataSelection) > 0 && !json.Valid(req.DataSelection) {
		return &apperr.ValidationError{Field: "data_selection", Message: "must be valid JSON"}
	}
	if req.InitialMessage != "" {
		if err := validateContent(req.InitialMessage); err != nil {
			return err
		}
	}
	return nil
}

// participant reports the sender role userID holds in rec.
func participant(rec *store.ConversationRecord, userID string) (model.Sender, bool) {
	switch {
	case rec.OwnerID == userID:
		return model.SenderUser, true
	case rec.ExpertID != nil && *rec.ExpertID == userID:
		return model.SenderExpert, true
	default:
		return "", false
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func expertKind(conv *model.Conversation) string {
	switch {
	case conv.IsAIExpert:
		return "ai"
	case conv.ExpertID != "":
		return "human"
	default:
		return "unassigned"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
