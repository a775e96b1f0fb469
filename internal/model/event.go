package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeCreated         EventType = "created"
	EventTypeMessageAppended EventType = "message_appended"
	EventTypeIntegrityFault  EventType = "integrity_fault"
)

// ConversationEvent is published on conversation changes. It never carries plaintext.
type ConversationEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	Type           EventType `json:"type"`
	DataType       string    `json:"data_type,omitempty"`
	MessageCount   int       `json:"message_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
