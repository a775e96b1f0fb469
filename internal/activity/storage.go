// Package activity tracks user sessions and the pages and actions within them.
package activity

import (
	"context"
	"errors"
	"sync"

	"github.com/soilscope/advisory-platform/internal/model"
)

// ErrSessionFull is returned by SaveSession when the session record would
// exceed what the backend can store. The Registry rolls over to a new record.
var ErrSessionFull = errors.New("session record is full")

// Storage persists sessions for a Registry. Implementations may be in-process
// or shared between instances (see the nats package's KVStorage).
type Storage interface {
	// LoadSession returns the session stored under key, or nil if absent.
	LoadSession(ctx context.Context, key string) (*model.Session, error)

	// SaveSession stores s under s.Key.
	SaveSession(ctx context.Context, s *model.Session) error

	// LatestKey returns the newest key of userID's sessions under a client
	// session id, or "". Ids are scoped per user.
	LatestKey(ctx context.Context, userID, sessionID string) (string, error)

	// SetLatestKey points userID's client session id at a session key.
	SetLatestKey(ctx context.Context, userID, sessionID, key string) error

	// UserSessionKeys returns every session key owned by userID.
	UserSessionKeys(ctx context.Context, userID string) ([]string, error)

	// AddUserSessionKey records that userID owns key.
	AddUserSessionKey(ctx context.Context, userID, key string) error
}

type latestRef struct {
	userID    string
	sessionID string
}

// MemoryStorage keeps sessions in process memory. Contents are lost on restart.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	latest   map[latestRef]string
	byUser   map[string][]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*model.Session),
		latest:   make(map[latestRef]string),
		byUser:   make(map[string][]string),
	}
}

// LoadSession returns a copy of the stored session.
func (m *MemoryStorage) LoadSession(ctx context.Context, key string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

// SaveSession stores a copy of s.
func (m *MemoryStorage) SaveSession(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	m.sessions[s.Key] = cloneSession(s)
	m.mu.Unlock()
	return nil
}

// LatestKey returns the newest key for userID's sessionID.
func (m *MemoryStorage) LatestKey(ctx context.Context, userID, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest[latestRef{userID: userID, sessionID: sessionID}], nil
}

// SetLatestKey points userID's sessionID at key.
func (m *MemoryStorage) SetLatestKey(ctx context.Context, userID, sessionID, key string) error {
	m.mu.Lock()
	m.latest[latestRef{userID: userID, sessionID: sessionID}] = key
	m.mu.Unlock()
	return nil
}

// UserSessionKeys returns the keys owned by userID.
func (m *MemoryStorage) UserSessionKeys(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.byUser[userID]...), nil
}

// AddUserSessionKey appends key to userID's index.
func (m *MemoryStorage) AddUserSessionKey(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	m.byUser[userID] = append(m.byUser[userID], key)
	m.mu.Unlock()
	return nil
}

// cloneSession copies the activity slice; activities themselves are immutable.
func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.Activities = append([]model.Activity(nil), s.Activities...)
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
