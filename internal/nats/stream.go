package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

const (
	// StreamName is the name of the consultation events stream.
	StreamName = "CONSULTATIONS"

	// SubjectPrefix is the prefix for all consultation subjects.
	SubjectPrefix = "consult"
)

// StreamManager publishes conversation events to JetStream.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return &StreamManager{client: client, logger: log.Named("events")}
}

// EnsureStream creates the consultations stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Consultation lifecycle events; never carries message content",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, conversationID, eventType)
}

// PublishEvent publishes an event, deduplicated on event.ID.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) error {
	subject := EventSubject(event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	m.logger.Debug("published event",
		zap.String("subject", subject),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}
