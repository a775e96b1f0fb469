package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversation records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ConversationRecord
	now     func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ConversationRecord),
		now:     time.Now,
	}
}

// FindByID returns a copy of the record with the given id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// FindOne returns the newest record matching filter.
func (s *MemoryStore) FindOne(ctx context.Context, filter ConversationFilter) (*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *ConversationRecord
	for _, rec := range s.records {
		if rec.OwnerID != filter.OwnerID || rec.DataType != filter.DataType {
			continue
		}
		if !expertMatches(rec.ExpertID, filter.ExpertID) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneRecord(best), nil
}

// ListByParticipant returns records where userID is owner or expert.
func (s *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ConversationRecord
	for _, rec := range s.records {
		if rec.OwnerID == userID || (rec.ExpertID != nil && *rec.ExpertID == userID) {
			out = append(out, cloneRecord(rec))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Create inserts a new record.
func (s *MemoryStore) Create(ctx context.Context, rec *ConversationRecord) error {
	now := s.now()
	rec.ID = uuid.Must(uuid.NewV7()).String()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	s.records[rec.ID] = cloneRecord(rec)
	s.mu.Unlock()

	return nil
}

// Save replaces the payload under a version check.
func (s *MemoryStore) Save(ctx context.Context, rec *ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = s.now()
	stored.Payload = rec.Payload
	stored.Version = rec.Version
	stored.UpdatedAt = rec.UpdatedAt

	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func cloneRecord(rec *ConversationRecord) *ConversationRecord {
	c := *rec
	if rec.ExpertID != nil {
		expert := *rec.ExpertID
		c.ExpertID = &expert
	}
	return &c
}
