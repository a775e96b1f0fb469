package model

import (
	"time"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderExpert Sender = "expert"
	SenderAI     Sender = "ai"
)

// Message is one entry of a conversation.
type Message struct {
	Sender    Sender    `json:"sender"`
	SenderID  string    `json:"sender_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// AI metadata, set on SenderAI messages only.
	Model     string `json:"model,omitempty"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
}

// SendMessageRequest is the request to append a message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the response after appending a message.
type SendMessageResponse struct {
	Message Message  `json:"message"`
	Reply   *Message `json:"reply,omitempty"`
}

// Identity is the authenticated caller resolved by the session provider.
type Identity struct {
	UserID string
	Email  string
}
