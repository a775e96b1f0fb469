package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/pkg/logger"
	"github.com/soilscope/advisory-platform/pkg/metrics"
)

const (
	// topRoutesLimit caps ActivityStats.TopRoutes.
	topRoutesLimit = 5

	// DefaultMaxActivities is how many activities one session record holds
	// before the tracker rolls over to a new record under the same id.
	DefaultMaxActivities = 500
)

// Registry records activities against sessions held in a Storage.
type Registry struct {
	storage     Storage
	idleTimeout time.Duration
	maxActs     int
	now         func() time.Time
	newKey      func() string
	logger      *logger.Logger

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout ends a session implicitly when it has been idle longer than d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithMaxActivities caps the activities held by one session record. A full
// session is ended and the next activity starts a new one. n <= 0 removes the cap.
func WithMaxActivities(n int) Option {
	return func(r *Registry) { r.maxActs = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Registry) { r.logger = log }
}

// NewRegistry creates a Registry over storage.
func NewRegistry(storage Storage, opts ...Option) *Registry {
	r := &Registry{
		storage: storage,
		maxActs: DefaultMaxActivities,
		now:     time.Now,
		newKey:  func() string { return uuid.NewString() },
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TrackActivity appends an activity to userID's session identified by
// sessionID, starting a new session when the id is unknown to this user,
// ended, idle past the timeout, or full. Session ids are scoped per user, so
// another user's session under the same id is never touched.
// metadata.Actions is stored as given.
func (r *Registry) TrackActivity(ctx context.Context, userID, sessionID, url string, metadata *model.ActivityMetadata) error {
	switch {
	case userID == "":
		return &apperr.ValidationError{Field: "user_id", Message: "is required"}
	case sessionID == "":
		return &apperr.ValidationError{Field: "session_id", Message: "is required"}
	case url == "":
		return &apperr.ValidationError{Field: "url", Message: "is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	sess, err := r.latest(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	if sess != nil && !sess.Ended() {
		switch {
		case r.idleTimeout > 0 && now.Sub(sess.LastActivityAt) > r.idleTimeout:
			err = r.end(ctx, sess, sess.LastActivityAt)
		case r.maxActs > 0 && len(sess.Activities) >= r.maxActs:
			err = r.rollOver(ctx, sess)
		}
		if err != nil {
			return err
		}
	}

	if sess == nil || sess.Ended() {
		sess, err = r.start(ctx, userID, sessionID, now)
		if err != nil {
			return err
		}
	}

	act := model.Activity{
		URL:       url,
		Timestamp: now,
		Metadata:  metadata,
	}
	err = r.appendActivity(ctx, sess, act)
	if errors.Is(err, ErrSessionFull) && len(sess.Activities) > 0 {
		if err := r.rollOver(ctx, sess); err != nil {
			return err
		}
		if sess, err = r.start(ctx, userID, sessionID, now); err != nil {
			return err
		}
		err = r.appendActivity(ctx, sess, act)
	}
	if errors.Is(err, ErrSessionFull) {
		return &apperr.ValidationError{Field: "metadata", Message: "activity is too large to store"}
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	metrics.ActivitiesTotal.Inc()
	return nil
}

// appendActivity saves sess with a appended. On failure sess is left unchanged.
func (r *Registry) appendActivity(ctx context.Context, sess *model.Session, a model.Activity) error {
	prevLast := sess.LastActivityAt
	sess.Activities = append(sess.Activities, a)
	sess.LastActivityAt = a.Timestamp

	if err := r.storage.SaveSession(ctx, sess); err != nil {
		sess.Activities = sess.Activities[:len(sess.Activities)-1]
		sess.LastActivityAt = prevLast
		return err
	}
	return nil
}

// rollOver ends a session that cannot take more activities.
func (r *Registry) rollOver(ctx context.Context, sess *model.Session) error {
	r.logger.Debug("session full, rolling over",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.Int("activities", len(sess.Activities)),
	)
	return r.end(ctx, sess, sess.LastActivityAt)
}

// EndSession retires userID's session sessionID. Unknown or already ended
// sessions are a no-op, as are ids only other users hold.
func (r *Registry) EndSession(ctx context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.latest(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Ended() {
		return nil
	}
	return r.end(ctx, sess, r.now())
}

// LookupSession returns userID's newest session for sessionID, or nil if unknown.
func (r *Registry) LookupSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest(ctx, userID, sessionID)
}

// GetUserSessions returns userID's sessions, most recently active first.
// A limit <= 0 returns all of them.
func (r *Registry) GetUserSessions(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	sessions, err := r.userSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// GetSessionActivities returns the activities of userID's newest session for
// sessionID. An unknown session yields an empty slice.
func (r *Registry) GetSessionActivities(ctx context.Context, userID, sessionID string) ([]model.Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.latest(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return []model.Activity{}, nil
	}
	return sess.Activities, nil
}

// GetStats scans every session of userID. Cost is sessions x activities.
func (r *Registry) GetStats(ctx context.Context, userID string) (*model.ActivityStats, error) {
	sessions, err := r.userSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &model.ActivityStats{
		UserID:    userID,
		TopRoutes: []model.RouteCount{},
	}
	routes := make(map[string]int)

	for i := range sessions {
		s := &sessions[i]
		stats.TotalSessions++
		if !s.Ended() {
			stats.ActiveSessions++
		}
		for _, a := range s.Activities {
			stats.TotalActivities++
			routes[a.URL]++
			if a.Metadata != nil {
				stats.TotalActions += len(a.Metadata.Actions)
			}
		}

		if stats.FirstSeen == nil || s.CreatedAt.Before(*stats.FirstSeen) {
			first := s.CreatedAt
			stats.FirstSeen = &first
		}
		if stats.LastSeen == nil || s.LastActivityAt.After(*stats.LastSeen) {
			last := s.LastActivityAt
			stats.LastSeen = &last
		}
	}

	for url, n := range routes {
		stats.TopRoutes = append(stats.TopRoutes, model.RouteCount{URL: url, Count: n})
	}
	sort.Slice(stats.TopRoutes, func(i, j int) bool {
		if stats.TopRoutes[i].Count != stats.TopRoutes[j].Count {
			return stats.TopRoutes[i].Count > stats.TopRoutes[j].Count
		}
		return stats.TopRoutes[i].URL < stats.TopRoutes[j].URL
	})
	if len(stats.TopRoutes) > topRoutesLimit {
		stats.TopRoutes = stats.TopRoutes[:topRoutesLimit]
	}

	return stats, nil
}

func (r *Registry) latest(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	key, err := r.storage.LatestKey(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if key == "" {
		return nil, nil
	}
	sess, err := r.storage.LoadSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess != nil && sess.UserID != userID {
		return nil, nil
	}
	return sess, nil
}

func (r *Registry) start(ctx context.Context, userID, sessionID string, now time.Time) (*model.Session, error) {
	sess := &model.Session{
		Key:            r.newKey(),
		ID:             sessionID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		Activities:     []model.Activity{},
	}

	if err := r.storage.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	if err := r.storage.AddUserSessionKey(ctx, userID, sess.Key); err != nil {
		return nil, fmt.Errorf("failed to index session: %w", err)
	}
	if err := r.storage.SetLatestKey(ctx, userID, sessionID, sess.Key); err != nil {
		return nil, fmt.Errorf("failed to bind session: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues("started").Inc()
	r.logger.Debug("session started",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return sess, nil
}

func (r *Registry) end(ctx context.Context, sess *model.Session, at time.Time) error {
	sess.EndedAt = &at
	if err := r.storage.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues("ended").Inc()
	r.logger.Debug("session ended",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
	)
	return nil
}

func (r *Registry) userSessions(ctx context.Context, userID string) ([]model.Session, error) {
	keys, err := r.storage.UserSessionKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]model.Session, 0, len(keys))
	for _, key := range keys {
		sess, err := r.storage.LoadSession(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	return sessions, nil
}
