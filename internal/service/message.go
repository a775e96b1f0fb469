package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/crypto"
	"github.com/soilscope/advisory-platform/internal/llm"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/internal/store"
	"github.com/soilscope/advisory-platform/pkg/metrics"
)

const (
	// MaxMessageBytes is the largest message content accepted.
	MaxMessageBytes = 100000

	// maxSaveRetries is how often a save is retried after losing a version check.
	maxSaveRetries = 3

	// llmTimeout bounds a single AI expert completion.
	llmTimeout = 60 * time.Second
)

// AppendMessage adds content to conversation id as the requester. The owner
// writes as user and the assigned expert as expert. For AI conversations a
// user message is answered by the AI expert; a failed completion leaves Reply nil.
func (s *ConversationService) AppendMessage(ctx context.Context, requester model.Identity, id, content string) (resp *model.SendMessageResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.AppendMessage",
		trace.WithAttributes(attribute.String("conversation.id", id)))
	defer func() { endSpan(span, err) }()

	if err := validateContent(content); err != nil {
		return nil, err
	}

	var msg model.Message
	rec, conv, err := s.mutate(ctx, id, requester.UserID, func(conv *model.Conversation, sender model.Sender) {
		msg = model.Message{
			Sender:    sender,
			SenderID:  requester.UserID,
			Content:   content,
			Timestamp: s.now().UTC(),
		}
		conv.Messages = append(conv.Messages, msg)
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Sender)).Inc()
	s.logger.Debug("message appended",
		zap.String("conversation_id", id),
		zap.String("sender", string(msg.Sender)),
		zap.Int("messages", len(conv.Messages)),
	)
	s.publish(ctx, rec, requester.UserID, model.EventTypeMessageAppended, len(conv.Messages))

	resp = &model.SendMessageResponse{Message: msg}
	if conv.IsAIExpert && msg.Sender == model.SenderUser {
		resp.Reply = s.replyAsAI(ctx, id)
	}
	return resp, nil
}

// mutate applies fn to the decoded conversation and saves it, reloading and
// retrying when a concurrent writer bumped the version first.
func (s *ConversationService) mutate(ctx context.Context, id, actorID string, fn func(*model.Conversation, model.Sender)) (*store.ConversationRecord, *model.Conversation, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		sender, ok := participant(rec, actorID)
		if !ok {
			return nil, nil, &apperr.ForbiddenError{}
		}

		conv, err := s.decode(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		fn(conv, sender)

		payload, err := crypto.Encode(conv, s.secretFor(rec.OwnerID))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode conversation: %w", err)
		}
		rec.Payload = payload

		err = s.repo.Save(ctx, rec)
		if err == nil {
			if attempt > 0 {
				metrics.WriteConflicts.WithLabelValues("recovered").Inc()
			}
			return rec, conv, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, &apperr.NotFoundError{Resource: "conversation", ID: id}
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("failed to save conversation: %w", err)
		}

		if attempt == maxSaveRetries {
			metrics.WriteConflicts.WithLabelValues("exhausted").Inc()
			s.logger.Warn("giving up on conversation save after version conflicts",
				zap.String("conversation_id", id),
				zap.Int("attempts", attempt+1),
			)
			return nil, nil, &apperr.ConflictError{Resource: "conversation", ID: id}
		}
		metrics.WriteConflicts.WithLabelValues("retry").Inc()
	}
}

// replyAsAI asks the LLM to answer the conversation history and appends the
// answer. Errors are logged and yield nil.
func (s *ConversationService) replyAsAI(ctx context.Context, id string) *model.Message {
	if s.llm == nil {
		return nil
	}

	rec, err := s.load(ctx, id)
	if err != nil {
		s.logger.Warn("AI reply skipped", zap.String("conversation_id", id), zap.Error(err))
		return nil
	}
	conv, err := s.decode(ctx, rec)
	if err != nil {
		return nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	start := time.Now()
	out, err := s.llm.Complete(llmCtx, &llm.CompletionRequest{
		Model:    s.llmModel,
		System:   systemPrompt(conv),
		Messages: chatHistory(conv.Messages),
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordLLMCompletion(s.llm.Name(), s.llmModel, "error", duration, 0, 0)
		s.logger.Error("AI expert completion failed",
			zap.String("conversation_id", id),
			zap.String("provider", s.llm.Name()),
			zap.Error(err),
		)
		return nil
	}
	metrics.RecordLLMCompletion(s.llm.Name(), out.Model, "success", duration, out.TokensIn, out.TokensOut)

	reply := model.Message{
		Sender:    model.SenderAI,
		Content:   out.Content,
		Model:     out.Model,
		TokensIn:  out.TokensIn,
		TokensOut: out.TokensOut,
	}
	rec, conv, err = s.mutate(ctx, id, rec.OwnerID, func(conv *model.Conversation, _ model.Sender) {
		reply.Timestamp = s.now().UTC()
		conv.Messages = append(conv.Messages, reply)
	})
	if err != nil {
		s.logger.Error("failed to store AI reply", zap.String("conversation_id", id), zap.Error(err))
		return nil
	}

	metrics.MessagesTotal.WithLabelValues(string(model.SenderAI)).Inc()
	s.publish(ctx, rec, "", model.EventTypeMessageAppended, len(conv.Messages))
	return &reply
}

func systemPrompt(conv *model.Conversation) string {
	var b strings.Builder
	b.WriteString(llm.DefaultSystemPrompt)
	b.WriteString("\n\nData type: ")
	b.WriteString(conv.DataType)
	if len(conv.DataSelection) > 0 {
		b.WriteString("\nSelected data: ")
		b.Write(conv.DataSelection)
	}
	return b.String()
}

// chatHistory maps conversation messages onto provider roles. Human expert
// messages are sent as user turns.
func chatHistory(messages []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		if m.Sender == model.SenderAI {
			role = llm.RoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func validateContent(content string) error {
	switch {
	case strings.TrimSpace(content) == "":
		return &apperr.ValidationError{Field: "content", Message: "is required"}
	case len(content) > MaxMessageBytes:
		return &apperr.ValidationError{Field: "content", Message: fmt.Sprintf("must be at most %d bytes", MaxMessageBytes)}
	case !utf8.ValidString(content):
		return &apperr.ValidationError{Field: "content", Message: "must be valid UTF-8"}
	}
	return nil
}
