// Package model defines data structures for the advisory platform.
package model

import (
	"encoding/json"
	"time"
)

// Conversation is the plaintext consultation sealed inside a record's payload.
type Conversation struct {
	OwnerID       string          `json:"owner_id"`
	ExpertID      string          `json:"expert_id,omitempty"`
	IsAIExpert    bool            `json:"is_ai_expert"`
	DataType      string          `json:"data_type"`
	DataSelection json.RawMessage `json:"data_selection,omitempty"`
	Messages      []Message       `json:"messages"`
}

// ConversationView is a decoded conversation together with its record metadata.
type ConversationView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Conversation
}

// ConversationSummary describes a conversation without decrypting it.
type ConversationSummary struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	ExpertID  string    `json:"expert_id,omitempty"`
	DataType  string    `json:"data_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest starts a consultation with an expert or the AI.
type CreateConversationRequest struct {
	ExpertID       string          `json:"expert_id,omitempty"`
	IsAIExpert     bool            `json:"is_ai_expert"`
	DataType       string          `json:"data_type"`
	DataSelection  json.RawMessage `json:"data_selection,omitempty"`
	InitialMessage string          `json:"initial_message,omitempty"`
}

// CreateConversationResponse is returned after initiating a conversation.
type CreateConversationResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}
