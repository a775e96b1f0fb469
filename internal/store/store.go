// Package store provides conversation persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned by Save when the stored version moved on.
	ErrVersionConflict = errors.New("store: version conflict")
)

// ConversationRecord is the persisted form of a conversation.
// Payload is an encrypted blob; it is never stored in plaintext.
type ConversationRecord struct {
	ID        string
	OwnerID   string
	ExpertID  *string
	DataType  string
	Payload   string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationFilter selects a conversation by owner, expert and data type.
// A nil ExpertID matches records without an assigned expert.
type ConversationFilter struct {
	OwnerID  string
	ExpertID *string
	DataType string
}

// ConversationRepository is single-document CRUD over conversation records.
type ConversationRepository interface {
	// FindByID returns the record with the given id or ErrNotFound.
	FindByID(ctx context.Context, id string) (*ConversationRecord, error)

	// FindOne returns the newest record matching filter or ErrNotFound.
	FindOne(ctx context.Context, filter ConversationFilter) (*ConversationRecord, error)

	// ListByParticipant returns records owned by or assigned to userID, newest first.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*ConversationRecord, error)

	// Create assigns ID, Version and timestamps, then inserts the record.
	Create(ctx context.Context, rec *ConversationRecord) error

	// Save replaces the payload if the stored version equals rec.Version,
	// then increments rec.Version. Returns ErrVersionConflict otherwise.
	Save(ctx context.Context, rec *ConversationRecord) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

func expertMatches(stored, want *string) bool {
	if want == nil {
		return stored == nil
	}
	return stored != nil && *stored == *want
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ ConversationRepository = (*MongoStore)(nil)
	_ ConversationRepository = (*SQLiteStore)(nil)
)
